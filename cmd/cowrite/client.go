package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cowrite/cowrite/internal/client"
	"github.com/cowrite/cowrite/internal/crdt"
	"github.com/cowrite/cowrite/internal/document"
	"github.com/cowrite/cowrite/internal/privilege"
	"github.com/cowrite/cowrite/internal/rpc"
)

var (
	clientServer   string
	clientUsername string
	tokenLevel     string
	tokenTTL       time.Duration
)

func init() {
	for _, cmd := range []*cobra.Command{treeCmd, catCmd, putCmd} {
		cmd.Flags().StringVar(&clientServer, "server", "", "websocket URL of the server (default from config)")
		cmd.Flags().StringVarP(&clientUsername, "user", "u", "", "username to register with (default from config)")
	}
	tokenCmd.Flags().StringVar(&tokenLevel, "privilege", "", "privilege carried by the token (read or write)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Issue a handshake token signed with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := privilege.NewVerifier(loaded.JWTSecret)
		if !v.Enabled() {
			return fmt.Errorf("no jwt secret configured")
		}
		var level privilege.Level
		if tokenLevel != "" {
			l, err := privilege.ParseLevel(tokenLevel)
			if err != nil {
				return err
			}
			level = l
		}
		token, err := v.Issue(args[0], level, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "List the files and empty directories on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		files, dirs := c.Snapshot()
		out := cmd.OutOrStdout()
		for _, f := range files {
			fmt.Fprintln(out, f)
		}
		for _, d := range dirs {
			fmt.Fprintln(out, d)
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print the current content of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, c *client.Client) error {
			path := args[0]
			if err := c.Fetch(ctx, path); err != nil {
				return err
			}
			content, err := c.ReadFile(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if content.Kind == crdt.ValueBlob {
				_, err = out.Write(content.Blob)
				return err
			}
			_, err = io.WriteString(out, content.Text)
			return err
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <path>",
	Short: "Replace the content of a file with standard input and save it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(ctx context.Context, c *client.Client) error {
			path := args[0]
			if err := c.Fetch(ctx, path); err != nil {
				return err
			}
			if err := c.Edit(ctx, path, document.ReplaceAll(string(data))); err != nil {
				return err
			}
			return c.Save(ctx, path)
		})
	},
}

func dial(ctx context.Context) (*client.Client, error) {
	url := loaded.ServerURL
	if clientServer != "" {
		url = clientServer
	}
	username := loaded.Username
	if clientUsername != "" {
		username = clientUsername
	}
	if username == "" {
		host, _ := os.Hostname()
		username = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return client.Dial(ctx, url, rpc.Hello{Username: username, Token: loaded.Token}, loaded.Dial)
}

// withSession dials the server, runs the client loop in the background and
// calls fn with it.
func withSession(ctx context.Context, fn func(context.Context, *client.Client) error) error {
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	err = fn(ctx, c)
	c.Close()
	if runErr := <-done; err == nil {
		err = runErr
	}
	return err
}
