package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"epic-poem/server/internal/config"
	"epic-poem/server/internal/model"
	"epic-poem/server/internal/store"
)

var archiveVerbose bool

// archiveCmd 直接操作存储里的归档，服务不需要运行
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and prune archived poems",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived poems, newest first",
	Args:  cobra.NoArgs,
	RunE:  runArchiveList,
}

var archiveDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one archived poem",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchiveDelete,
}

func init() {
	archiveListCmd.Flags().BoolVarP(&archiveVerbose, "verbose", "v", false, "print every stanza")
	archiveCmd.AddCommand(archiveListCmd, archiveDeleteCmd)
}

func openArchive(cmd *cobra.Command) (store.Store, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func runArchiveList(cmd *cobra.Command, _ []string) error {
	st, err := openArchive(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	poems, err := st.ListArchive(cmd.Context())
	if err != nil {
		return err
	}
	printArchive(cmd.OutOrStdout(), poems, archiveVerbose)
	return nil
}

func printArchive(w io.Writer, poems []model.ArchivedPoem, verbose bool) {
	if len(poems) == 0 {
		fmt.Fprintln(w, "no archived poems")
		return
	}
	for _, p := range poems {
		fmt.Fprintf(w, "%s  %s  %s\n", p.ID, p.Timestamp.Local().Format(time.DateTime), p.Title)
		if !verbose {
			continue
		}
		for _, s := range p.Stanzas {
			for _, line := range s {
				fmt.Fprintf(w, "    %s\n", line)
			}
			fmt.Fprintln(w)
		}
	}
}

func runArchiveDelete(cmd *cobra.Command, args []string) error {
	st, err := openArchive(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteArchive(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no archived poem with id %s", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}
