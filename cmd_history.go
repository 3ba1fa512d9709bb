package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"lanpair/storage"
)

func init() {
	if _, err := parser.AddCommand("history", "List recent pairing attempts", "", &cmdHistory{}); err != nil {
		panic(err)
	}
}

type cmdHistory struct {
	Limit int    `long:"limit" default:"20" description:"Maximum number of attempts to show"`
	Kind  string `long:"kind" choice:"keygen" choice:"keysign" description:"Only show one ceremony kind"`
}

func (c *cmdHistory) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	attempts, err := e.store.GetAttempts(storage.AttemptFilter{Kind: c.Kind, Limit: c.Limit})
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintln(Stdout, "No attempts recorded.")
		return nil
	}

	w := tabwriter.NewWriter(Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Started\tKind\tRole\tState\tPeer\tFailure")
	for _, a := range attempts {
		failure := a.FailureKind
		if failure == "" {
			failure = "-"
		}
		peer := a.PeerName
		if peer == "" {
			peer = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(a.StartedAt).Format("2006-01-02 15:04:05"),
			a.Kind, a.Role, a.State, peer, failure)
	}
	return w.Flush()
}
