// hayselctl is an interactive client for a running hayselnutd. It speaks
// the control protocol over the daemon's unix socket.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"

	"github.com/haysel/hayselnut/config"
	"github.com/haysel/hayselnut/internal/ipc"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	socket := flag.String("socket", config.DefaultSocketPath, "daemon control socket")
	flag.Parse()

	client, err := ipc.Dial(*socket, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hayselctl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	app := &ctl{client: client}

	// One-shot mode: a command on the command line runs and exits.
	if args := flag.Args(); len(args) > 0 {
		if err := app.run(args); err != nil {
			fmt.Fprintf(os.Stderr, "hayselctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("hayselctl %s (type 'help' for commands, 'exit' to quit)\n", Version)
	p := prompt.New(
		app.execute,
		app.complete,
		prompt.OptionTitle("hayselctl"),
		prompt.OptionPrefix("hayselnut> "),
		prompt.OptionPrefixTextColor(prompt.Green),
	)
	p.Run()
}

// execute runs one REPL line.
func (c *ctl) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "exit", "quit":
		fmt.Println("bye")
		os.Exit(0)
	}
	if err := c.run(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

var commands = []prompt.Suggest{
	{Text: "stations", Description: "list known stations"},
	{Text: "channels", Description: "channels <station> - list a station's channels"},
	{Text: "submit", Description: "submit <station> <channel> <ts> <value> - store one record"},
	{Text: "query", Description: "query <station> <channel> <start> <end> [limit] - read a time range"},
	{Text: "summaries", Description: "per-channel statistics for this daemon run"},
	{Text: "status", Description: "daemon health and counters"},
	{Text: "export", Description: "export <station> <channel> <start> <end> <path> - write a range to Parquet"},
	{Text: "help", Description: "show commands"},
	{Text: "exit", Description: "quit"},
}

// complete suggests command names, and station IDs in argument position.
func (c *ctl) complete(d prompt.Document) []prompt.Suggest {
	text := d.TextBeforeCursor()
	fields := strings.Fields(text)

	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(text, " ")) {
		return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
	}

	switch fields[0] {
	case "channels", "submit", "query", "export":
		// Second field is a station.
		if len(fields) == 1 || (len(fields) == 2 && !strings.HasSuffix(text, " ")) {
			return prompt.FilterHasPrefix(c.stationSuggestions(), d.GetWordBeforeCursor(), true)
		}
	}
	return nil
}

func (c *ctl) stationSuggestions() []prompt.Suggest {
	stations, err := c.client.ListStations()
	if err != nil {
		return nil
	}
	out := make([]prompt.Suggest, len(stations))
	for i, id := range stations {
		out[i] = prompt.Suggest{Text: id.String()}
	}
	return out
}
