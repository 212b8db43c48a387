package devserver

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// keepAliveScript opens the keep-alive stream for route and reloads the tab
// when the server reports the page as invalid or rebuilt.
const keepAliveScript = `<script>(() => {
  if (window.__ONDEMAND_KA__) return;
  window.__ONDEMAND_KA__ = true;
  const base = %s, route = %s;
  function connect() {
    const es = new EventSource(base + '?route=' + encodeURIComponent(route));
    es.onmessage = (e) => {
      let msg;
      try { msg = JSON.parse(e.data); } catch (_) { return; }
      if (msg.invalid) { location.reload(); return; }
      if ((msg.action === 'reload' || msg.action === 'change') && (msg.route === route || msg.route === '/_document')) {
        location.reload();
      }
    };
    es.onerror = () => { es.close(); setTimeout(connect, 2000); };
  }
  connect();
})();</script>
`

func renderKeepAliveScript(path, route string) []byte {
	p, _ := json.Marshal(path)
	r, _ := json.Marshal(route)
	return fmt.Appendf(nil, keepAliveScript, p, r)
}

// injectScript places script before the closing body tag, or appends it.
func injectScript(doc, script []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(doc), []byte("</body>"))
	if idx < 0 {
		return append(append([]byte(nil), doc...), script...)
	}
	out := make([]byte, 0, len(doc)+len(script))
	out = append(out, doc[:idx]...)
	out = append(out, script...)
	return append(out, doc[idx:]...)
}
