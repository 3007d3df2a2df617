package repl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"
)

var historyPath = ""

func init() {
	usr, err := user.Current()
	if err != nil {
		historyPath = filepath.Join(os.TempDir(), ".fa_history")
		return
	}
	historyPath = filepath.Join(usr.HomeDir, ".fa_history")
}

// ///// ///// /////

// ///// ERRORS

// ///// ///// /////

var (
	// ErrNoAutomaton means there's no such (or no active) automaton.
	ErrNoAutomaton = errors.New("no automaton")
	// ErrSyntax means invalid command args.
	ErrSyntax = errors.New("syntax error")
)

// ///// ///// /////

// ///// COMPLETIONS

// ///// ///// /////

func completionsNarrowDown(
	toComplete string, resources []string,
) ([]string, cobra.ShellCompDirective) {
	// prefix-filtering (case insensitive)
	if toComplete != "" {
		filtered := []string{}
		lc := strings.ToLower(toComplete)
		for _, resource := range resources {
			if strings.HasPrefix(strings.ToLower(resource), lc) {
				filtered = append(filtered, resource)
			}
		}
		return filtered, cobra.ShellCompDirectiveNoFileComp
	}

	return resources, cobra.ShellCompDirectiveNoFileComp
}

// ///// ///// /////

// ///// HISTORY

// ///// ///// /////

var (
	errOpenHistoryFile = errors.New("failed to open history file")
	errNegativeIndex   = errors.New(
		"cannot use a negative index when requesting historic commands")
	errOutOfRangeIndex = errors.New(
		"index requested greater than number of items in history")
)

// History is a readline history, persisted as JSON lines.
type History struct {
	file  string
	lines []HistoryItem
}

type HistoryItem struct {
	Index    int
	DateTime time.Time `json:"datetime"`
	Block    string    `json:"block"`
}

var _ readline.History = &History{}

// historyFromFile returns a new history source writing to and reading from
// a file. A missing file starts an empty history.
func historyFromFile(file string) (*History, error) {
	var err error

	hist := &History{file: file}
	hist.lines, err = openHist(file)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}

	return hist, err
}

func openHist(filename string) ([]HistoryItem, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var list []HistoryItem
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), math.MaxInt)
	for scanner.Scan() {
		var item HistoryItem

		err := json.Unmarshal(scanner.Bytes(), &item)
		if err != nil || len(item.Block) == 0 {
			continue
		}

		item.Index = len(list)
		list = append(list, item)
	}

	return list, scanner.Err()
}

// Write item to history file.
func (h *History) Write(s string) (int, error) {
	block := strings.TrimSpace(s)
	if block == "" {
		return 0, nil
	}

	item := HistoryItem{
		DateTime: time.Now(),
		Block:    block,
		Index:    len(h.lines),
	}

	// skip repeated lines
	if len(h.lines) > 0 && h.lines[len(h.lines)-1].Block == block {
		return h.Len(), nil
	}
	h.lines = append(h.lines, item)

	data, err := json.Marshal(item)
	if err != nil {
		return h.Len(), err
	}
	f, err := os.OpenFile(h.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errOpenHistoryFile, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return 0, err
	}

	return h.Len(), nil
}

// GetLine returns a specific line from the history file.
func (h *History) GetLine(pos int) (string, error) {
	if pos < 0 {
		return "", errNegativeIndex
	}

	if pos < len(h.lines) {
		return h.lines[pos].Block, nil
	}

	return "", errOutOfRangeIndex
}

// Len returns the number of items in the history file.
func (h *History) Len() int {
	return len(h.lines)
}

// Dump returns the entire history file.
func (h *History) Dump() interface{} {
	return h.lines
}
