// Package ondemand decides which pages of a development server need to be
// compiled, drives the build engine's browser and server pipelines until the
// requested pages are servable, and disposes pages nobody is viewing anymore.
//
// HTTP handlers call Scheduler.EnsureRoute before serving a page; browser tabs
// hold a keep-alive stream (Scheduler.Middleware) that reports which page they
// show. A periodic sweep removes built pages whose keep-alive went quiet.
//
// All registry and state machine transitions happen under one mutex; the build
// engine compiles outside of it and reports back through EngineHooks.
package ondemand
