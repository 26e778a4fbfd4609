package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/nyan233/blinktree"
)

var replCompleter = readline.NewPrefixCompleter(
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("del"),
	readline.PcItem("meta"),
	readline.PcItem("dump"),
	readline.PcItem("check"),
	readline.PcItem("scan"),
	readline.PcItem("stat"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".blinkctl_history")
}

func runREPL(t *blinktree.Tree, path string, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "blinktree> ",
		HistoryFile:     historyFile(),
		AutoComplete:    replCompleter,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(out, "blinktree %s\n", path)
	fmt.Fprintln(out, "Type 'help' for available commands")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprint(out, usageText[strings.Index(usageText, "commands:"):strings.Index(usageText, "flags:")])
			continue
		}
		if err = execute(t, args, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}
