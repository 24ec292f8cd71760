package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	raidlinesdk "raidline/sdk/go"
)

func remoteCmd() *cobra.Command {
	remote := &cobra.Command{
		Use:   "remote",
		Short: "Drive a running raidline server",
		Long:  "Calls the HTTP API of a running server. Set --server and --token, or RAIDLINE_SERVER and RAIDLINE_TOKEN.",
	}
	remote.PersistentFlags().String("server", "http://127.0.0.1:8484", "server base URL")
	remote.PersistentFlags().String("token", "", "bearer token (see 'raidline token')")
	remote.PersistentFlags().String("community", "main", "community id")
	_ = viper.BindPFlag("server", remote.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", remote.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("community", remote.PersistentFlags().Lookup("community"))

	remote.AddCommand(remoteCreateCmd())
	remote.AddCommand(remoteListCmd())
	remote.AddCommand(remoteMembershipCmd("join", "Join a raid"))
	remote.AddCommand(remoteMembershipCmd("leave", "Leave a raid"))
	remote.AddCommand(remoteRemoveCmd())
	remote.AddCommand(remoteQuestionsCmd())
	remote.AddCommand(remoteAnswerCmd())
	remote.AddCommand(remoteRegisterCmd())
	remote.AddCommand(remoteEventsCmd())
	return remote
}

func client() *raidlinesdk.Client {
	c := raidlinesdk.New(viper.GetString("server"), viper.GetString("community"))
	c.BearerToken = viper.GetString("token")
	return c
}

func parseWhen(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return ts, nil
}

func remoteCreateCmd() *cobra.Command {
	var venue, opens, deadline, nickname string
	var reserved int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a raid",
		RunE: func(cmd *cobra.Command, args []string) error {
			if venue == "" || deadline == "" {
				return fmt.Errorf("--venue and --deadline required")
			}
			dl, err := parseWhen("deadline", deadline)
			if err != nil {
				return err
			}
			open := time.Now()
			if opens != "" {
				if open, err = parseWhen("opens", opens); err != nil {
					return err
				}
			}
			raid, err := client().CreateRaid(cmd.Context(), raidlinesdk.CreateRaid{
				Venue:      venue,
				WindowOpen: open,
				Deadline:   dl,
				Reserved:   reserved,
				Nickname:   nickname,
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(raid)
		},
	}
	cmd.Flags().StringVar(&venue, "venue", "", "where the raid takes place")
	cmd.Flags().StringVar(&opens, "opens", "", "when joining opens (RFC3339, default now)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "departure time (RFC3339)")
	cmd.Flags().IntVar(&reserved, "reserved", 1, "slots kept by the owner")
	cmd.Flags().StringVar(&nickname, "nickname", "", "register this nickname first")
	return cmd
}

func remoteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live raids",
		RunE: func(cmd *cobra.Command, args []string) error {
			raids, err := client().ListRaids(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(raids)
			}
			tw := table.NewWriter()
			tw.AppendHeader(table.Row{"ID", "Owner", "Venue", "Deadline", "Members", "Free", "State"})
			for _, r := range raids {
				tw.AppendRow(table.Row{r.ID, r.Owner, r.Venue, r.Deadline.Format(time.RFC3339), len(r.Members), r.Free, r.State})
			}
			fmt.Println(tw.Render())
			return nil
		},
	}
}

func remoteMembershipCmd(use, short string) *cobra.Command {
	var ref raidlinesdk.RaidRef
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := parseWhen("deadline", ref.Deadline); err != nil {
				return err
			}
			c := client()
			call := c.Join
			if use == "leave" {
				call = c.Leave
			}
			raid, err := call(cmd.Context(), ref)
			if err != nil {
				return err
			}
			return printJSONOrTable(raid)
		},
	}
	cmd.Flags().StringVar(&ref.RaidID, "raid", "", "raid id")
	cmd.Flags().StringVar(&ref.Owner, "owner", "", "owner nickname")
	cmd.Flags().StringVar(&ref.Deadline, "deadline", "", "raid deadline (RFC3339)")
	return cmd
}

func remoteRemoveCmd() *cobra.Command {
	var raidID, deadline string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove one of your raids (answer the confirmation with 'remote answer')",
		RunE: func(cmd *cobra.Command, args []string) error {
			dl, err := parseWhen("deadline", deadline)
			if err != nil {
				return err
			}
			raid, err := client().RemoveRaid(cmd.Context(), raidID, dl)
			if err != nil {
				return err
			}
			return printJSONOrTable(raid)
		},
	}
	cmd.Flags().StringVar(&raidID, "raid", "", "raid id")
	cmd.Flags().StringVar(&deadline, "deadline", "", "raid deadline (RFC3339)")
	return cmd
}

func remoteQuestionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "questions",
		Short: "List questions waiting for your answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			qs, err := client().Questions(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(qs)
			}
			tw := table.NewWriter()
			tw.AppendHeader(table.Row{"ID", "Op", "Question", "Options"})
			for _, q := range qs {
				opts := ""
				for i, o := range q.Options {
					opts += fmt.Sprintf("%d) %s\n", i+1, o)
				}
				tw.AppendRow(table.Row{q.ID, q.Op, q.Text, opts})
			}
			fmt.Println(tw.Render())
			return nil
		},
	}
}

func remoteAnswerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer <question-id> <yes|no|N>",
		Short: "Answer a question",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Answer(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("answered")
			return nil
		},
	}
}

func remoteRegisterCmd() *cobra.Command {
	var nickname string
	var mute, unmute bool
	cmd := &cobra.Command{
		Use:   "me",
		Short: "Show or update your registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var p raidlinesdk.Participant
			var err error
			switch {
			case nickname != "":
				p, err = c.Register(cmd.Context(), nickname)
			case mute || unmute:
				p, err = c.SetMuted(cmd.Context(), mute)
			default:
				p, err = c.Me(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&nickname, "nickname", "", "register or change your nickname")
	cmd.Flags().BoolVar(&mute, "mute", false, "mute reminders")
	cmd.Flags().BoolVar(&unmute, "unmute", false, "unmute reminders")
	return cmd
}

func remoteEventsCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Page through the server's event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := client().EventsPage(cmd.Context(), limit, cursor)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(page)
			}
			tw := table.NewWriter()
			tw.AppendHeader(table.Row{"ID", "TS", "Type", "Community", "Entity", "Payload"})
			for _, ev := range page.Items {
				tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.Community, ev.EntityKind + ":" + ev.EntityID, ev.Payload})
			}
			fmt.Println(tw.Render())
			if page.NextCursor != "" {
				fmt.Println("next cursor:", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this cursor")
	return cmd
}
