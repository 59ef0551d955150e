package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// ProvidersCmd lists configured providers and their health.
type ProvidersCmd struct{}

// Run executes the providers command.
func (c *ProvidersCmd) Run(cli *CLI) error {
	_, cfg, err := cli.load()
	if err != nil {
		return err
	}
	_, reg, err := template(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tMODEL\tSTATUS")
	for _, st := range reg.Status() {
		status := "ready"
		switch {
		case st.InCooldown:
			status = fmt.Sprintf("cooldown %s (%s)", time.Until(st.Until).Round(time.Second), st.Reason)
		case !st.Configured:
			status = "not configured"
		}
		marker := ""
		if st.Name == cfg.Provider {
			marker = " *"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\n", st.Name, marker, st.Type, st.Model, status)
	}
	return w.Flush()
}
