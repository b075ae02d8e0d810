package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hybridvault/hybridvault/internal/storage"
)

func (c *cli) storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store <path> [file]",
		Short: "Store an artifact",
		Long:  "Store the content of file (or stdin when file is omitted or \"-\") at path. The router picks the backend unless --backend is set.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			var content []byte
			if len(args) == 1 || args[1] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			obj, err := c.app.Router.Store(cmd.Context(), args[0], content, opts)
			if err != nil {
				return err
			}
			printStored(cmd.OutOrStdout(), obj)
			return nil
		},
	}
	cmd.Flags().StringVarP(&c.message, "message", "m", "", "commit message")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Write an artifact to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			obj, err := c.app.Router.Retrieve(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return writeContent(cmd, output, obj.Content)
		},
	}
	cmd.Flags().StringVar(&c.version, "version", "", "historical version to read")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show <path> <version>",
		Short: "Write a historical version of an artifact to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			obj, err := c.app.Router.RetrieveVersion(cmd.Context(), args[0], args[1], opts)
			if err != nil {
				return err
			}
			return writeContent(cmd, output, obj.Content)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func writeContent(cmd *cobra.Command, output string, content []byte) error {
	if output != "" {
		return os.WriteFile(output, content, 0644)
	}
	_, err := cmd.OutOrStdout().Write(content)
	return err
}

func (c *cli) rmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete an artifact from every backend holding it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			return c.app.Router.Delete(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&c.message, "message", "m", "", "commit message")
	return cmd
}

func (c *cli) lsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ls [dir]",
		Short: "List the immediate children of a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			objs, err := c.app.Router.List(cmd.Context(), dir, opts)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), objs)
			}
			return printListing(cmd.OutOrStdout(), objs)
		},
	}
	cmd.Flags().IntVar(&c.maxKeys, "max-keys", 0, "maximum entries to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) statCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Print artifact metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			obj, err := c.app.Router.GetMetadata(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), obj)
		},
	}
	return cmd
}

// errMissing gives exists a non-zero exit status.
var errMissing = errors.New("not found")

func (c *cli) existsCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "exists <path>",
		Short: "Report whether an artifact exists in either backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			ok := c.app.Router.Exists(cmd.Context(), args[0], opts)
			if !quiet {
				fmt.Fprintln(cmd.OutOrStdout(), ok)
			}
			if !ok {
				return errMissing
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only set the exit status")
	return cmd
}

func (c *cli) logCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "log <path>",
		Short: "Show the version history of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			versions, err := c.app.Router.ListVersions(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), versions)
			}
			if len(versions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No versions.")
				return nil
			}
			printVersions(cmd.OutOrStdout(), versions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	var from, to, srcTeam, srcWorkspace, srcBucket string
	cmd := &cobra.Command{
		Use:   "sync <path>",
		Short: "Copy an artifact between backends, repositories or buckets",
		Example: `  hybridvault sync -t acme -w ml --from git --to object notes/plan.md
  hybridvault sync -t acme -w ml --from git --to git --source-workspace staging notes/plan.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			opts.SourceTeamID = srcTeam
			opts.SourceWorkspaceID = srcWorkspace
			opts.SourceBucket = srcBucket

			res, err := c.app.Router.Sync(cmd.Context(), storage.ParseBackend(from), storage.ParseBackend(to), args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source backend: git or object")
	cmd.Flags().StringVar(&to, "to", "", "target backend: git or object")
	cmd.Flags().StringVar(&srcTeam, "source-team", "", "source team (default --team)")
	cmd.Flags().StringVar(&srcWorkspace, "source-workspace", "", "source workspace (default --workspace)")
	cmd.Flags().StringVar(&srcBucket, "source-bucket", "", "source bucket for object to object sync")
	cmd.Flags().StringVarP(&c.message, "message", "m", "", "commit message")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
