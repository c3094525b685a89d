package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/facereg/internal/repository"
	"github.com/example/facereg/internal/wizard"
)

const importBatchSize = 50

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Manage class rosters in the student directory",
}

var rosterImportCmd = &cobra.Command{
	Use:   "import <roster.csv>",
	Short: "Import students of one class from a CSV file",
	Long: `Import students from a CSV file with usn,name rows. A header row is optional.
Existing students keep their registration state; only their names are updated.`,
	Args: cobra.ExactArgs(1),
	RunE: runRosterImport,
}

var rosterResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear a student's stored face so they can register again",
	RunE:  runRosterReset,
}

var rosterStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many students of a class have registered",
	RunE:  runRosterStats,
}

func init() {
	rootCmd.AddCommand(rosterCmd)
	rosterCmd.AddCommand(rosterImportCmd, rosterResetCmd, rosterStatsCmd)

	rosterCmd.PersistentFlags().String("department", "", "Department, e.g. CSE")
	rosterCmd.PersistentFlags().String("batch", "", "Batch year, e.g. 2024")
	rosterCmd.PersistentFlags().String("section", "", "Section, e.g. A")
	rosterResetCmd.Flags().String("usn", "", "USN of the student to reset")
}

func classFromFlags(cmd *cobra.Command) (wizard.Class, error) {
	class := wizard.Class{
		Department: mustGetString(cmd, "department"),
		Batch:      mustGetString(cmd, "batch"),
		Section:    mustGetString(cmd, "section"),
	}
	if !class.Complete() {
		return class, errors.New("--department, --batch and --section are required")
	}
	return class, nil
}

func runRosterImport(cmd *cobra.Command, args []string) error {
	class, err := classFromFlags(cmd)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := parseRoster(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%s contains no students", args[0])
	}

	repo, cleanup, err := openDirectory(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Importing %d students into %s\n", len(entries), class.ID())
	bar := progressbar.NewOptions(len(entries),
		progressbar.OptionSetDescription("Importing roster"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("students"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	var affected int64
	for start := 0; start < len(entries); start += importBatchSize {
		end := start + importBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		n, err := repo.UpsertStudents(cmd.Context(), class.ID(), entries[start:end])
		if err != nil {
			return fmt.Errorf("importing rows %d-%d: %w", start+1, end, err)
		}
		affected += n
		_ = bar.Add(end - start)
	}
	_ = bar.Finish()

	fmt.Printf("\n%d students written to %s\n", affected, class.ID())
	return nil
}

func runRosterReset(cmd *cobra.Command, args []string) error {
	class, err := classFromFlags(cmd)
	if err != nil {
		return err
	}
	usn := strings.TrimSpace(mustGetString(cmd, "usn"))
	if usn == "" {
		return errors.New("--usn is required")
	}

	repo, cleanup, err := openDirectory(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := repo.ResetRegistration(cmd.Context(), class.ID(), usn); err != nil {
		return err
	}
	fmt.Printf("Registration of %s in %s cleared\n", usn, class.ID())
	return nil
}

func runRosterStats(cmd *cobra.Command, args []string) error {
	class, err := classFromFlags(cmd)
	if err != nil {
		return err
	}

	repo, cleanup, err := openDirectory(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := repo.ClassStats(cmd.Context(), class.ID())
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d of %d students registered\n", class.ID(), stats.Registered, stats.Total)
	return nil
}

// parseRoster reads usn,name rows. A first row starting with "usn" is
// treated as a header. A UTF-8 byte order mark, as written by spreadsheet
// exports, is dropped.
func parseRoster(r io.Reader) ([]repository.RosterEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var entries []repository.RosterEntry
	seen := make(map[string]int)
	for row := 0; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := reader.FieldPos(0)
		if row == 0 {
			record[0] = strings.TrimPrefix(record[0], "\ufeff")
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if row == 0 && strings.EqualFold(strings.TrimSpace(record[0]), "usn") {
			continue
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("line %d: expected usn,name", line)
		}

		usn := strings.TrimSpace(record[0])
		name := strings.TrimSpace(record[1])
		if usn == "" || name == "" {
			return nil, fmt.Errorf("line %d: usn and name must not be empty", line)
		}
		if prev, ok := seen[usn]; ok {
			return nil, fmt.Errorf("line %d: duplicate usn %s (first seen on line %d)", line, usn, prev)
		}
		seen[usn] = line
		entries = append(entries, repository.RosterEntry{USN: usn, Name: name})
	}
	return entries, nil
}
