package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"parley/internal/client"
	"parley/internal/config"
)

// Who prints the users currently online.
func Who(ctx context.Context, cfg *config.Config, out io.Writer) error {
	users, err := client.NewREST(baseURL(cfg.APIAddr)).Users(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w. Is the server running?", err)
	}

	if len(users) == 0 {
		fmt.Fprintln(out, "Nobody is online.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROOM\tCONNECTION")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.Username, u.Room, u.ID)
	}
	return w.Flush()
}

// Rooms prints every room the hub knows about with its member and message
// counts, read from the admin listener.
func Rooms(ctx context.Context, cfg *config.Config, out io.Writer) error {
	stats, err := client.NewREST(baseURL(cfg.AdminAddr)).Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w. Is the server running?", err)
	}

	fmt.Fprintf(out, "Connections: %d, users: %d, private messages: %d\n\n",
		stats.Connections, stats.Users, stats.PrivateMessages)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tMEMBERS\tMESSAGES\tLISTED")
	for _, r := range stats.Rooms {
		listed := "no"
		if r.Listed {
			listed = "yes"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.Name, r.Members, r.Messages, listed)
	}
	return w.Flush()
}

// baseURL turns a listen address into a URL a local client can reach.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}
