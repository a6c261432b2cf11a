package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/app"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/spf13/cobra"
)

var (
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffb347"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff6b6b")).Bold(true)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func renderState(s domain.DeliveryState) string {
	switch s {
	case domain.DeliveryDelivered:
		return successStyle.Render(string(s))
	case domain.DeliveryFailed:
		return errorStyle.Render(string(s))
	default:
		return warningStyle.Render(string(s))
	}
}

func jobsTable(jobs []*domain.DeliveryJob) string {
	t := newTable("JOB", "INBOX", "STATE", "ATTEMPTS", "STATUS", "NEXT ATTEMPT", "ERROR")
	for _, j := range jobs {
		next := ""
		if !j.Terminal() {
			next = j.NextAttemptAt.Local().Format(util.DateTimeFormat())
		}
		status := ""
		if j.LastStatus != 0 {
			status = fmt.Sprint(j.LastStatus)
		}
		t.Row(
			j.ID.String()[:8],
			util.Truncate(j.Inbox, 48),
			renderState(j.State),
			fmt.Sprint(j.Attempts),
			status,
			next,
			util.Truncate(j.LastError, 40),
		)
	}
	return t.Render()
}

// localActor maps a username argument to the local actor's IRI.
func localActor(ctx context.Context, a *app.App, username string) (string, error) {
	actor, err := a.Directory.Lookup(ctx, strings.TrimPrefix(username, "@"))
	if err != nil {
		return "", err
	}
	return actor.ID, nil
}

// publishFlags are shared by every command that publishes an activity.
type publishFlags struct {
	wait time.Duration
}

func (f *publishFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.wait, "wait", 30*time.Second, "how long to deliver before leaving the rest to the server")
}

// report prints the published activity and delivers its jobs.
func (f *publishFlags) report(ctx context.Context, a *app.App, pub *activitypub.Publication) error {
	h := pub.Activity.Header()
	if pub.Duplicate {
		fmt.Printf("%s %s was already published\n", h.Type, h.ID)
		return nil
	}
	fmt.Printf("Published %s %s\n", h.Type, h.ID)
	if len(pub.Jobs) == 0 {
		return nil
	}
	jobs, err := a.Deliver(ctx, pub.Jobs, f.wait)
	if err != nil {
		return err
	}
	fmt.Println(jobsTable(jobs))
	return nil
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local actors",
	}

	var opts activitypub.ActorOptions
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a local actor with a fresh key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				actor, err := a.Directory.CreateActor(ctx, args[0], opts)
				if err != nil {
					return err
				}
				key, err := a.Keys.ActiveKey(ctx, actor.ID)
				if err != nil {
					return err
				}
				fmt.Println(successStyle.Render("Created " + actor.ID))
				fmt.Printf("key %s\nfingerprint %s\n", key.KeyID, activitypub.Fingerprint(&key.Private.PublicKey))
				return nil
			})
		},
	}
	create.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	create.Flags().StringVar(&opts.Summary, "summary", "", "profile summary")
	create.Flags().BoolVar(&opts.ManuallyApprovesFollowers, "manual", false, "approve followers manually")

	list := &cobra.Command{
		Use:   "list",
		Short: "List local actors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				actors, err := a.Directory.Actors(ctx)
				if err != nil {
					return err
				}
				t := newTable("USERNAME", "IRI", "FOLLOWERS", "MANUAL", "CREATED")
				for _, actor := range actors {
					set, _, err := db.GetJSON[domain.FollowerSet](ctx, a.Store, db.FollowersKey(actor.ID))
					if err != nil {
						return err
					}
					t.Row(actor.Username, actor.ID, fmt.Sprint(len(set.Accepted())),
						fmt.Sprint(actor.ManuallyApprovesFollowers), actor.CreatedAt.Local().Format(util.DateTimeFormat()))
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage actor signing keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate <username>",
		Short: "Replace the active key; the old one stays published for the grace period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				iri, err := localActor(ctx, a, args[0])
				if err != nil {
					return err
				}
				key, err := a.Keys.Rotate(ctx, iri)
				if err != nil {
					return err
				}
				fmt.Printf("Rotated to %s\nfingerprint %s\n", key.KeyID, activitypub.Fingerprint(&key.Private.PublicKey))
				return nil
			})
		},
	})
	return cmd
}

func noteCmd() *cobra.Command {
	var (
		flags publishFlags
		opts  activitypub.NoteOptions
	)
	cmd := &cobra.Command{
		Use:   "note <username> <markdown>...",
		Short: "Publish a note to followers and mentioned actors",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				iri, err := localActor(ctx, a, args[0])
				if err != nil {
					return err
				}
				pub, err := a.Outbox.CreateNote(ctx, iri, strings.Join(args[1:], " "), opts)
				if err != nil {
					return err
				}
				return flags.report(ctx, a, pub)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "content warning")
	cmd.Flags().StringVar(&opts.InReplyTo, "reply-to", "", "IRI of the object replied to")
	cmd.Flags().StringSliceVar(&opts.Mentions, "mention", nil, "actor IRIs to address")
	cmd.Flags().BoolVar(&opts.Direct, "direct", false, "deliver to mentioned actors only")
	return cmd
}

// actorObjectCmd builds a command taking a local username and one IRI.
func actorObjectCmd(use, short string, publish func(ctx context.Context, a *app.App, actor, object string) (*activitypub.Publication, error)) *cobra.Command {
	var flags publishFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				iri, err := localActor(ctx, a, args[0])
				if err != nil {
					return err
				}
				pub, err := publish(ctx, a, iri, args[1])
				if err != nil {
					return err
				}
				return flags.report(ctx, a, pub)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func followCmd() *cobra.Command {
	return actorObjectCmd("follow <username> <actor-iri>", "Follow a remote actor",
		func(ctx context.Context, a *app.App, actor, target string) (*activitypub.Publication, error) {
			return a.Outbox.Follow(ctx, actor, target)
		})
}

func unfollowCmd() *cobra.Command {
	return actorObjectCmd("unfollow <username> <actor-iri>", "Undo a follow",
		func(ctx context.Context, a *app.App, actor, target string) (*activitypub.Publication, error) {
			return a.Outbox.Unfollow(ctx, actor, target)
		})
}

func answerCmd(verb string) *cobra.Command {
	answer := func(ctx context.Context, a *app.App, followee, follower string) (*activitypub.Publication, error) {
		if verb == "reject" {
			return a.Outbox.RejectFollow(ctx, followee, follower)
		}
		return a.Outbox.AcceptFollow(ctx, followee, follower)
	}
	return actorObjectCmd(verb+" <username> <follower-iri>", strings.ToUpper(verb[:1])+verb[1:]+" a pending follow request", answer)
}

func requestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requests <username>",
		Short: "List follow requests awaiting an answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				iri, err := localActor(ctx, a, args[0])
				if err != nil {
					return err
				}
				set, _, err := db.GetJSON[domain.FollowerSet](ctx, a.Store, db.FollowersKey(iri))
				if err != nil {
					return err
				}
				var pending []*domain.Relationship
				if set != nil {
					for _, rel := range set.Entries {
						if rel.State == domain.RelationshipPending {
							pending = append(pending, rel)
						}
					}
				}
				sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

				t := newTable("FOLLOWER", "REQUESTED")
				for _, rel := range pending {
					t.Row(rel.Follower, rel.CreatedAt.Local().Format(util.DateTimeFormat()))
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func likeCmd() *cobra.Command {
	return actorObjectCmd("like <username> <object-iri>", "Like an object",
		func(ctx context.Context, a *app.App, actor, object string) (*activitypub.Publication, error) {
			return a.Outbox.Like(ctx, actor, object)
		})
}

func announceCmd() *cobra.Command {
	return actorObjectCmd("announce <username> <object-iri>", "Boost an object to followers",
		func(ctx context.Context, a *app.App, actor, object string) (*activitypub.Publication, error) {
			return a.Outbox.Announce(ctx, actor, object)
		})
}

func deleteCmd() *cobra.Command {
	return actorObjectCmd("delete <username> <object-iri>", "Delete an own object and federate the tombstone",
		func(ctx context.Context, a *app.App, actor, object string) (*activitypub.Publication, error) {
			return a.Outbox.DeleteObject(ctx, actor, object)
		})
}

func deliveriesCmd() *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Show delivery jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Engine.Jobs(ctx)
				if err != nil {
					return err
				}
				var shown []*domain.DeliveryJob
				for i := len(jobs) - 1; i >= 0 && (limit <= 0 || len(shown) < limit); i-- {
					if state == "" || strings.EqualFold(string(jobs[i].State), state) {
						shown = append(shown, jobs[i])
					}
				}
				fmt.Println(jobsTable(shown))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only jobs in this state (pending, inflight, delivered, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs, 0 for all")
	return cmd
}
