// fakeagent is a scripted stand-in for a real coding agent. It prints
// output lines and confirmation prompts from a script, reads y/n
// answers on stdin, and exits non-zero when a required step is denied.
// Used by integration tests and manual runs without a real agent.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Step is one scripted action: Say prints a line, Ask prints a prompt
// and waits for an answer.
type Step struct {
	Say      string `json:"say,omitempty"`
	Ask      string `json:"ask,omitempty"`
	Required bool   `json:"required,omitempty"`
	DelayMs  int    `json:"delay_ms,omitempty"`
}

func defaultScript(task string) []Step {
	return []Step{
		{Say: fmt.Sprintf("starting task: %s", task)},
		{Say: "reading the codebase..."},
		{Ask: "Do you want to write to the file 'output.txt'?", Required: true},
		{Say: "changes written"},
		{Say: "task complete"},
	}
}

func main() {
	scriptFile := flag.String("script", "", "Path to script file (JSON array of steps)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	task := strings.Join(flag.Args(), " ")
	logger.Info("fake agent starting", "task", task, "pid", os.Getpid())

	var script []Step
	if *scriptFile != "" {
		data, err := os.ReadFile(*scriptFile)
		if err != nil {
			logger.Error("failed to read script", "path", *scriptFile, "error", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, &script); err != nil {
			logger.Error("failed to parse script", "path", *scriptFile, "error", err)
			os.Exit(1)
		}
	} else {
		script = defaultScript(task)
	}

	stdin := bufio.NewReader(os.Stdin)
	for _, step := range script {
		if step.DelayMs > 0 {
			time.Sleep(time.Duration(step.DelayMs) * time.Millisecond)
		}
		switch {
		case step.Say != "":
			fmt.Println(step.Say)
		case step.Ask != "":
			fmt.Println(step.Ask)
			answer, err := stdin.ReadString('\n')
			if err != nil {
				logger.Error("reading answer", "error", err)
				os.Exit(1)
			}
			answer = strings.ToLower(strings.TrimSpace(answer))
			if answer != "y" && answer != "yes" {
				fmt.Println("permission denied, stopping")
				if step.Required {
					os.Exit(1)
				}
			}
		}
	}

	logger.Info("fake agent done")
}
