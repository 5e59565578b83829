package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quire/internal/commit"
	"quire/internal/middleware"
	"quire/internal/mutation"
	"quire/internal/resolver"
	"quire/internal/source"
	"quire/internal/tree"
	"quire/internal/workspace"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "quire",
	Short: "Quire keeps a working copy of hosted content",
	Long: `Quire pulls a content tree from a quire server into a local directory,
shows what changed, and pushes edits back as a single commit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if !verbose {
			return nil
		}
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log to stderr")

	var initCmd = &cobra.Command{
		Use:   "init <remote-url>",
		Short: "Initialize a workspace in the current directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
			token, _ := cmd.Flags().GetString("token")
			if err := workspace.Initialize(dir, args[0], token); err != nil {
				return fmt.Errorf("initializing workspace: %w", err)
			}
			fmt.Println("Initialized empty quire workspace in", dir)
			return nil
		},
	}
	initCmd.Flags().StringP("token", "t", "", "Bearer token for the remote")

	var pullCmd = &cobra.Command{
		Use:   "pull",
		Short: "Update the working tree from the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *workspace.Workspace) error {
				res, err := w.Pull(ctx, force)
				if err != nil {
					return fmt.Errorf("pulling: %w", err)
				}
				if res.Files.Changes.Empty() {
					fmt.Println("Already up to date", short(res.Mirror.SHA))
					return nil
				}
				printChanges(res.Files.Changes)
				fmt.Printf("Updated to %s (%d blobs fetched)\n", short(res.Mirror.SHA), res.Mirror.Fetched)
				return nil
			})
		},
	}
	pullCmd.Flags().BoolP("force", "f", false, "Overwrite unpushed changes")

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show working tree status",
		RunE: func(cmd *cobra.Command, args []string) error {
			showDiff, _ := cmd.Flags().GetBool("diff")
			lines, _ := cmd.Flags().GetInt("context")
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *workspace.Workspace) error {
				if showDiff {
					return printDiff(ctx, w, lines)
				}
				changes, err := w.Status(ctx)
				if err != nil {
					return fmt.Errorf("getting status: %w", err)
				}
				if changes.Empty() {
					fmt.Println("No changes detected (working tree clean)")
					return nil
				}
				fmt.Printf("\nChanges in working tree:\n\n")
				printChanges(changes)
				fmt.Println("  (use \"quire push\" to commit them)")
				return nil
			})
		},
	}

	statusCmd.Flags().Bool("diff", false, "Show line changes")
	statusCmd.Flags().IntP("context", "U", 3, "Lines of context around changes")

	var pushCmd = &cobra.Command{
		Use:   "push",
		Short: "Commit working tree changes to the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			author, _ := cmd.Flags().GetString("author")
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *workspace.Workspace) error {
				res, err := w.Push(ctx, author, message)
				if err != nil {
					return fmt.Errorf("pushing: %w", err)
				}
				switch res.State {
				case commit.StateDone:
					fmt.Println("Nothing to push")
				case commit.StateConflict:
					color.New(color.FgRed).Printf("Remote moved to %s; pull and retry\n", short(res.Sha))
				default:
					added, modified, deleted := res.Changes.Counts()
					fmt.Printf("Pushed %s: %d added, %d modified, %d deleted\n",
						short(res.Sha), added, modified, deleted)
				}
				return nil
			})
		},
	}
	pushCmd.Flags().StringP("message", "m", "", "Commit message")
	pushCmd.Flags().String("author", os.Getenv("USER"), "Commit author")

	var applyCmd = &cobra.Command{
		Use:   "apply <mutations.json>",
		Short: "Commit a batch of content mutations to the remote",
		Long: `Reads a JSON array of mutations and commits them to the remote as one
batch. Run "quire pull" afterwards to bring the result into the working tree.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var muts []mutation.Mutation
			if err := json.Unmarshal(data, &muts); err != nil {
				return fmt.Errorf("reading mutations: %w", err)
			}
			author, _ := cmd.Flags().GetString("author")
			role, _ := cmd.Flags().GetString("role")
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *workspace.Workspace) error {
				p, err := w.Pipeline(ctx, author, role)
				if err != nil {
					return err
				}
				res, err := p.Commit(ctx, muts...)
				if err != nil {
					return fmt.Errorf("committing: %w", err)
				}
				if res.Conflicted() {
					color.New(color.FgRed).Printf("Remote moved to %s; nothing was applied\n", short(res.Sha))
					return nil
				}
				fmt.Printf("Committed %s (%d file changes)\n", short(res.Sha), len(res.Changes))
				for _, id := range res.IDs {
					fmt.Println("  ", id)
				}
				return nil
			})
		},
	}
	applyCmd.Flags().String("author", os.Getenv("USER"), "Commit author")
	applyCmd.Flags().String("role", "", "Check mutations against this configured role")

	var exportCmd = &cobra.Command{
		Use:   "export [file]",
		Short: "Write a snapshot of the working tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *workspace.Workspace) error {
				snap, err := w.Export(ctx)
				if err != nil {
					return err
				}
				data, err := source.MarshalSnapshot(snap)
				if err != nil {
					return err
				}
				if len(args) == 0 {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(args[0], data, 0644)
			})
		},
	}

	var importCmd = &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the working tree with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			snap, err := source.UnmarshalSnapshot(data)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *workspace.Workspace) error {
				res, err := w.Import(ctx, snap)
				if err != nil {
					return fmt.Errorf("importing: %w", err)
				}
				printChanges(res.Changes)
				return nil
			})
		},
	}

	var queryCmd = &cobra.Command{
		Use:   "query <id>",
		Short: "Print an entry from the working tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			realmName, _ := cmd.Flags().GetString("realm")
			locale, _ := cmd.Flags().GetString("locale")
			realm, err := resolver.ParseRealm(realmName)
			if err != nil {
				return err
			}
			var proj resolver.Projection
			if raw, _ := cmd.Flags().GetString("select"); raw != "" {
				var m map[string]any
				if err := json.Unmarshal([]byte(raw), &m); err != nil {
					return fmt.Errorf("reading --select: %w", err)
				}
				if proj, err = resolver.ParseProjection(m); err != nil {
					return err
				}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *workspace.Workspace) error {
				st, err := w.Index(ctx)
				if err != nil {
					return err
				}
				r := resolver.New(st.Current(), w.Parser().Layout)
				docs := r.ResolveVersions(args[0], proj, resolver.Context{Locale: locale, Realm: realm})
				if len(docs) == 0 {
					return fmt.Errorf("no entry %s in realm %s", args[0], realm)
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				for _, doc := range docs {
					if err := enc.Encode(doc); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	queryCmd.Flags().String("realm", string(resolver.Published), "published, draft, archived, preferDraft, preferPublished or all")
	queryCmd.Flags().String("locale", "", "Locale to read")
	queryCmd.Flags().String("select", "", `Projection as JSON, e.g. {"title":"title"}`)

	var tokenCmd = &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token signed with the server secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if secret == "" {
				secret = os.Getenv("QUIRE_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("a signing secret is required (--secret or QUIRE_SECRET)")
			}
			token, err := middleware.IssueToken(secret, args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	tokenCmd.Flags().String("secret", "", "Server signing secret")
	tokenCmd.Flags().String("role", "", "Role claim")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(initCmd, pullCmd, statusCmd, pushCmd, applyCmd,
		exportCmd, importCmd, queryCmd, tokenCmd)
}

func withWorkspace(ctx context.Context, fn func(context.Context, *workspace.Workspace) error) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}
	root, err := workspace.FindRoot(cwd)
	if err != nil {
		return err
	}
	w, err := workspace.Open(root, logger)
	if err != nil {
		return fmt.Errorf("opening workspace: %w", err)
	}
	defer w.Close()
	return fn(ctx, w)
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func printChanges(cs tree.Changeset) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	for _, c := range cs {
		switch c.Op {
		case tree.OpAdd:
			fmt.Printf("\t%s %s\n", green("A"), c.Path)
		case tree.OpModify:
			fmt.Printf("\t%s %s\n", yellow("M"), c.Path)
		case tree.OpDelete:
			fmt.Printf("\t%s %s\n", red("D"), c.Path)
		}
	}
	fmt.Println()
}

func printDiff(ctx context.Context, w *workspace.Workspace, lines int) error {
	files, err := w.Diff(ctx, lines)
	if err != nil {
		return fmt.Errorf("computing diff: %w", err)
	}
	if len(files) == 0 {
		fmt.Println("No changes detected (working tree clean)")
	}
	for _, f := range files {
		fmt.Printf("\ndiff --quire a/%s b/%s\n", f.Path, f.Path)
		if f.Binary {
			fmt.Println("Binary files differ")
			continue
		}
		printColoredDiff(f.Result.Format())
	}
	return nil
}

func printColoredDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	for _, line := range strings.Split(diff, "\n") {
		if len(line) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
