package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/haysel/hayselnut/internal/ipc"
)

type ctl struct {
	client *ipc.Client
}

// run dispatches one parsed command line.
func (c *ctl) run(args []string) error {
	switch args[0] {
	case "stations":
		return c.stations()
	case "channels":
		return c.channels(args[1:])
	case "submit":
		return c.submit(args[1:])
	case "query":
		return c.query(args[1:])
	case "summaries":
		return c.summaries()
	case "status":
		return c.status()
	case "export":
		return c.export(args[1:])
	case "help":
		c.help()
		return nil
	default:
		return fmt.Errorf("unknown command %q (try 'help')", args[0])
	}
}

func (c *ctl) help() {
	for _, cmd := range commands {
		fmt.Printf("  %-10s %s\n", cmd.Text, cmd.Description)
	}
}

func (c *ctl) stations() error {
	stations, err := c.client.ListStations()
	if err != nil {
		return err
	}
	if len(stations) == 0 {
		fmt.Println("no stations")
		return nil
	}
	for _, id := range stations {
		fmt.Println(id)
	}
	return nil
}

func (c *ctl) channels(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: channels <station>")
	}
	station, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("station: %w", err)
	}
	channels, err := c.client.ListChannels(station)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		fmt.Println("no channels")
		return nil
	}
	for _, id := range channels {
		fmt.Println(id)
	}
	return nil
}

func (c *ctl) submit(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: submit <station> <channel> <ts> <value>")
	}
	station, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("station: %w", err)
	}
	channel, err := uuid.Parse(args[1])
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	ts, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	value, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}

	if err := c.client.Submit(station, channel, ts, value); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func (c *ctl) query(args []string) error {
	if len(args) != 4 && len(args) != 5 {
		return fmt.Errorf("usage: query <station> <channel> <start> <end> [limit]")
	}
	station, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("station: %w", err)
	}
	channel, err := uuid.Parse(args[1])
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	start, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := strconv.ParseUint(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	limit := 0
	if len(args) == 5 {
		limit, err = strconv.Atoi(args[4])
		if err != nil {
			return fmt.Errorf("limit: %w", err)
		}
	}

	records, truncated, err := c.client.QueryRange(station, channel, start, end, limit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Timestamp", "Value"})
	for _, rec := range records {
		table.Append([]string{
			strconv.FormatUint(rec.Timestamp, 10),
			strconv.FormatFloat(rec.Value, 'g', -1, 64),
		})
	}
	table.Render()
	if truncated {
		fmt.Println("(result truncated)")
	}
	fmt.Printf("%d record(s)\n", len(records))
	return nil
}

func (c *ctl) summaries() error {
	sums, err := c.client.Summaries()
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Println("no channels seen this run")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Station", "Channel", "Count", "Min", "Avg", "Max", "P99"})
	for _, s := range sums {
		table.Append([]string{
			s.Station.String(),
			s.Channel.String(),
			strconv.FormatInt(s.Count, 10),
			strconv.FormatFloat(s.Min, 'g', 4, 64),
			strconv.FormatFloat(s.Avg, 'g', 4, 64),
			strconv.FormatFloat(s.Max, 'g', 4, 64),
			strconv.FormatFloat(s.P99, 'g', 4, 64),
		})
	}
	table.Render()
	return nil
}

func (c *ctl) status() error {
	st, err := c.client.Status()
	if err != nil {
		return err
	}
	fmt.Printf("uptime:          %s\n", st.Uptime)
	fmt.Printf("page capacity:   %d\n", st.PageCapacity)
	fmt.Printf("accepted:        %d\n", st.Accepted)
	fmt.Printf("rejected:        %d\n", st.Rejected)
	fmt.Printf("queue depth:     %d\n", st.QueueDepth)
	fmt.Printf("records written: %d\n", st.Store.RecordsWritten)
	fmt.Printf("pages allocated: %d\n", st.Store.PagesAllocated)
	fmt.Printf("stations:        %d\n", st.Store.StationsCreated)
	fmt.Printf("channels:        %d\n", st.Store.ChannelsCreated)
	fmt.Printf("out of order:    %d\n", st.Store.OutOfOrder)
	fmt.Printf("corrupt chains:  %d\n", st.Store.CorruptChains)
	return nil
}

func (c *ctl) export(args []string) error {
	if len(args) != 5 {
		return fmt.Errorf("usage: export <station> <channel> <start> <end> <path>")
	}
	station, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("station: %w", err)
	}
	channel, err := uuid.Parse(args[1])
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	start, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := strconv.ParseUint(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}

	resp, err := c.client.Export(station, channel, start, end, args[4])
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d record(s) to %s\n", resp.Records, resp.Path)
	return nil
}
