package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"webnotify/client"
)

var (
	serverURL string
	email     string
	password  string

	cssSelector  string
	pollInterval time.Duration
	playerCmd    string
)

func execute(ctx context.Context, logger *slog.Logger) error {
	rootCmd := &cobra.Command{
		Use:           "webnotify-alarm",
		Short:         "Watch pages for changes and ring an alarm",
		Long:          "A CLI companion for a webnotify server: manage watched URLs and poll for change notifications, playing the configured alarm sound when one arrives.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "webnotify server base URL")
	rootCmd.PersistentFlags().StringVarP(&email, "email", "e", "", "account email")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "account password (or WEBNOTIFY_PASSWORD)")
	pflag.CommandLine.AddFlagSet(rootCmd.PersistentFlags())
	_ = rootCmd.MarkPersistentFlagRequired("email")

	addCmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Add a URL to watch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), logger, func(c *client.Client, sess *client.Session) error {
				if err := c.AddURL(cmd.Context(), sess, args[0], cssSelector); err != nil {
					return fmt.Errorf("add url: %w", err)
				}
				// Re-fetch so the printed list is the server's truth
				return printURLs(cmd.Context(), c, sess)
			})
		},
	}
	addCmd.Flags().StringVar(&cssSelector, "selector", "", "optional CSS selector scoping change detection")

	removeCmd := &cobra.Command{
		Use:   "remove <url>",
		Short: "Stop watching a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), logger, func(c *client.Client, sess *client.Session) error {
				if err := c.RemoveURL(cmd.Context(), sess, args[0]); err != nil {
					logger.Warn("Remove failed", "url", args[0], "error", err)
				}
				// The list is refreshed whether or not the delete succeeded
				return printURLs(cmd.Context(), c, sess)
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List watched URLs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), logger, func(c *client.Client, sess *client.Session) error {
				return printURLs(cmd.Context(), c, sess)
			})
		},
	}

	soundCmd := &cobra.Command{
		Use:   "sound <file>",
		Short: "Upload the alarm sound",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), logger, func(c *client.Client, sess *client.Session) error {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open sound file: %w", err)
				}
				defer func() {
					_ = f.Close()
				}()

				contentType := mime.TypeByExtension(filepath.Ext(args[0]))
				if err := c.UploadSound(cmd.Context(), sess, filepath.Base(args[0]), contentType, f); err != nil {
					return fmt.Errorf("upload sound: %w", err)
				}
				fmt.Println("Alarm sound uploaded.")
				return nil
			})
		},
	}

	ringCmd := &cobra.Command{
		Use:   "ring <count>",
		Short: "Set how many times the alarm repeats (1-5)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("parse ring count %q: %w", args[0], err)
			}
			return withSession(cmd.Context(), logger, func(c *client.Client, sess *client.Session) error {
				if err := c.UpdateRingCount(cmd.Context(), sess, count); err != nil {
					return fmt.Errorf("update ring count: %w", err)
				}
				fmt.Printf("Alarm will ring %d time(s) per notification.\n", count)
				return nil
			})
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Start monitoring and ring on every change notification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), logger)
		},
	}
	watchCmd.Flags().DurationVar(&pollInterval, "interval", client.DefaultPollInterval, "notification poll interval")
	watchCmd.Flags().StringVar(&playerCmd, "player", "", "audio player command (default: auto-detect)")

	rootCmd.AddCommand(addCmd, removeCmd, listCmd, soundCmd, ringCmd, watchCmd)
	return rootCmd.ExecuteContext(ctx)
}

// withSession logs in and hands the live session to fn.
func withSession(ctx context.Context, logger *slog.Logger, fn func(*client.Client, *client.Session) error) error {
	pass := password
	if pass == "" {
		pass = os.Getenv("WEBNOTIFY_PASSWORD")
	}
	if pass == "" {
		return fmt.Errorf("no password given, use --password or WEBNOTIFY_PASSWORD")
	}

	c := client.New(serverURL, nil, logger)
	sess, err := c.Login(ctx, email, pass)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return fn(c, sess)
}

func printURLs(ctx context.Context, c *client.Client, sess *client.Session) error {
	urls, err := c.ListURLs(ctx, sess)
	if err != nil {
		return fmt.Errorf("list urls: %w", err)
	}
	if len(urls) == 0 {
		fmt.Println("No watched URLs.")
		return nil
	}
	for _, u := range urls {
		if u.CSSSelector != "" {
			fmt.Printf("%s  (selector: %s)\n", u.URL, u.CSSSelector)
		} else {
			fmt.Println(u.URL)
		}
	}
	return nil
}

func runWatch(ctx context.Context, logger *slog.Logger) error {
	return withSession(ctx, logger, func(c *client.Client, sess *client.Session) error {
		if err := c.StartMonitoring(ctx, sess); err != nil {
			return fmt.Errorf("start monitoring: %w", err)
		}
		fmt.Println("Monitoring started. Waiting for change notifications...")

		player, err := newExecPlayer(playerCmd, logger)
		if err != nil {
			return err
		}

		poller := client.NewPoller(c, sess, &consoleDisplay{}, player, pollInterval, logger)
		if err := poller.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		poller.Stop()
		fmt.Println("Stopped.")
		return nil
	})
}
