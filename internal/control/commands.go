package control

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/insa-strasbourg/hermes-client/internal/loop"
	"github.com/insa-strasbourg/hermes-client/pkg/config"
)

// Dispatch parses argv (the client's argv-equivalent message) and runs the
// matching command against l, mirroring __processSocketMessage's
// argparse-based subcommand dispatch. Unknown or malformed commands return a
// non-zero retcode with a usage message rather than erroring the connection.
func Dispatch(l *loop.Loop, appName string, argv []string) Response {
	if len(argv) == 0 {
		return Response{Retcode: 1, Retmsg: usage(appName)}
	}

	switch argv[0] {
	case "quit":
		return cmdQuit(l, appName)
	case "pause":
		return cmdPause(l, appName)
	case "resume":
		return cmdResume(l, appName)
	case "status":
		return cmdStatus(l, argv[1:])
	default:
		return Response{Retcode: 1, Retmsg: usage(appName)}
	}
}

func usage(appName string) string {
	return fmt.Sprintf("%s-cli: unknown command. Available commands: quit, pause, resume, status [--json] [--verbose]", appName)
}

func cmdQuit(l *loop.Loop, appName string) Response {
	l.RequestStop()
	l.Log.Info(fmt.Sprintf("%s has been requested to quit", appName))
	return Response{Retcode: 0, Retmsg: ""}
}

func cmdPause(l *loop.Loop, appName string) Response {
	if l.IsStopped() {
		return Response{Retcode: 1, Retmsg: fmt.Sprintf("Error: %s is currently being stopped", appName)}
	}
	if l.IsPaused() {
		return Response{Retcode: 1, Retmsg: fmt.Sprintf("Error: %s is already paused", appName)}
	}
	l.Pause()
	l.Log.Info(fmt.Sprintf("%s has been requested to pause", appName))
	return Response{Retcode: 0, Retmsg: ""}
}

func cmdResume(l *loop.Loop, appName string) Response {
	if l.IsStopped() {
		return Response{Retcode: 1, Retmsg: fmt.Sprintf("Error: %s is currently being stopped", appName)}
	}
	if !l.IsPaused() {
		return Response{Retcode: 1, Retmsg: fmt.Sprintf("Error: %s is not paused", appName)}
	}
	l.Resume()
	l.Log.Info(fmt.Sprintf("%s has been requested to resume", appName))
	return Response{Retcode: 0, Retmsg: ""}
}

func cmdStatus(l *loop.Loop, args []string) Response {
	var asJSON, verbose bool
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{}) // swallow flag's own usage printing, as SocketArgumentParser does
	fs.BoolVar(&asJSON, "json", false, "Print status as json")
	fs.BoolVar(&asJSON, "j", false, "Print status as json")
	fs.BoolVar(&verbose, "verbose", false, "Output items without values")
	fs.BoolVar(&verbose, "v", false, "Output items without values")
	if err := fs.Parse(args); err != nil {
		return Response{Retcode: 1, Retmsg: err.Error()}
	}

	snap := l.Status()

	if asJSON {
		encoded, err := json.MarshalIndent(snap, "", "    ")
		if err != nil {
			return Response{Retcode: 1, Retmsg: err.Error()}
		}
		return Response{Retcode: 0, Retmsg: string(encoded)}
	}

	msg := formatSnapshot(snap, verbose)
	if verbose {
		if fieldErrs := config.FieldErrors(l.Cfg); len(fieldErrs) > 0 {
			msg += "\n" + formatFieldErrors(fieldErrs)
		}
	}
	return Response{Retcode: 0, Retmsg: msg}
}

// formatFieldErrors renders configuration field-validation errors the same
// indented-block shape formatSnapshot uses, so `status --verbose` surfaces a
// misconfigured deployment (a config file edited by hand, bypassing Validate
// at startup) without a separate command.
func formatFieldErrors(fieldErrs map[string]string) string {
	var b strings.Builder
	b.WriteString("config:\n  * Warning\n")
	keys := make([]string, 0, len(fieldErrs))
	for k := range fieldErrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "    - %s: %s\n", k, fieldErrs[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatSnapshot renders a Snapshot as indented text, one block per
// component and one sub-block per severity level, mirroring
// __sock_status's non-json branch.
func formatSnapshot(snap loop.Snapshot, verbose bool) string {
	var b strings.Builder
	levels := []string{loop.LevelInformation, loop.LevelWarning, loop.LevelError}

	components := make([]string, 0, len(snap))
	for c := range snap {
		components = append(components, c)
	}
	sort.Strings(components)

	levelLabel := map[string]string{
		loop.LevelInformation: "Information",
		loop.LevelWarning:     "Warning",
		loop.LevelError:       "Error",
	}

	for _, component := range components {
		byLevel := snap[component]
		fmt.Fprintf(&b, "%s:\n", component)
		for _, level := range levels {
			byKey, ok := byLevel[level]
			if !ok {
				if verbose {
					fmt.Fprintf(&b, "  * %s: []\n", levelLabel[level])
				}
				continue
			}
			if len(byKey) == 0 {
				fmt.Fprintf(&b, "  * %s: []\n", levelLabel[level])
				continue
			}
			fmt.Fprintf(&b, "  * %s\n", levelLabel[level])
			keys := make([]string, 0, len(byKey))
			for k := range byKey {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				indented := strings.ReplaceAll(byKey[k], "\n", "\n      ")
				fmt.Fprintf(&b, "    - %s: %s\n", k, indented)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
