package commands

import (
	"fmt"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
)

// CheckConfigCmd implements the 'check-config' command.
type CheckConfigCmd struct {
	Quiet bool `short:"q" help:"Only report errors"`
}

func (c *CheckConfigCmd) Run(g *Global, cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	g.logger().Debug("Configuration valid", "path", cli.Config)
	if c.Quiet {
		return nil
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "encode configuration").Build()
	}
	_, err = fmt.Fprint(g.out(), string(out))
	return err
}
