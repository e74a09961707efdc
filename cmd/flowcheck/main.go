// Command flowcheck validates flow documents offline. For each file it
// reports parse and validation errors, lint warnings and the messages a new
// participant would see before the first reply.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
)

// varFlags collects repeated -var name=value flags.
type varFlags map[string]string

func (v varFlags) String() string {
	parts := make([]string, 0, len(v))
	for k, val := range v {
		parts = append(parts, k+"="+val)
	}
	return strings.Join(parts, ",")
}

func (v varFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	v[name] = value
	return nil
}

// report is the -json output for one file.
type report struct {
	File     string            `json:"file"`
	Valid    bool              `json:"valid"`
	Error    string            `json:"error,omitempty"`
	Version  string            `json:"version,omitempty"`
	Steps    map[string]int    `json:"steps,omitempty"`
	Warnings []flow.Warning    `json:"warnings,omitempty"`
	Opening  []flow.StepResult `json:"opening,omitempty"`
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("flowcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print one JSON report per file")
	strict := fs.Bool("strict", false, "treat lint warnings as failures")
	input := fs.String("input", "", "initial input used when the flow starts at a choice")
	vars := varFlags{}
	fs.Var(vars, "var", "initial variable as name=value (repeatable)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: flowcheck [flags] flow.json...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	status := 0
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	for _, path := range fs.Args() {
		rep := check(path, vars, *input)
		if !rep.Valid || (*strict && len(rep.Warnings) > 0) {
			status = 1
		}
		if *asJSON {
			if err := enc.Encode(rep); err != nil {
				fmt.Fprintf(stderr, "flowcheck: %v\n", err)
				return 1
			}
			continue
		}
		printReport(stdout, rep)
	}
	return status
}

func check(path string, vars map[string]string, input string) report {
	rep := report{File: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	def, err := flow.Parse(raw)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Version = def.Version
	rep.Steps = map[string]int{}
	for _, s := range def.Steps {
		rep.Steps[string(s.Type())]++
	}
	rep.Warnings = flow.Lint(def)

	f, err := flow.Validate(def)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Valid = true

	opts := []flow.StartOption{flow.WithVariables(vars)}
	if input != "" {
		opts = append(opts, flow.WithInitialInput(input))
	}
	turn := flow.Start(f, opts...)
	if turn.Result.Failed() {
		rep.Valid = false
		rep.Error = turn.Result.Err.Error()
	}
	rep.Opening = turn.Emitted
	return rep
}

func printReport(w io.Writer, rep report) {
	if rep.Error != "" && rep.Version == "" {
		fmt.Fprintf(w, "FAIL %s: %s\n", rep.File, rep.Error)
		return
	}
	verdict := "OK"
	if !rep.Valid {
		verdict = "FAIL"
	}
	fmt.Fprintf(w, "%s %s: version %s, %d message, %d choice, %d action\n", verdict, rep.File, rep.Version,
		rep.Steps[string(flow.StepTypeMessage)], rep.Steps[string(flow.StepTypeChoice)], rep.Steps[string(flow.StepTypeAction)])
	if rep.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", rep.Error)
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "  warning %s [%s]: %s\n", warn.Code, warn.StepID, warn.Message)
	}
	for _, res := range rep.Opening {
		if res.Kind == flow.ResultActionComplete {
			fmt.Fprintf(w, "  > [%s] action %s\n", res.StepID, res.Action.Name)
			continue
		}
		for _, line := range strings.Split(messaging.Render(res), "\n") {
			fmt.Fprintf(w, "  > [%s] %s\n", res.StepID, line)
		}
	}
}
