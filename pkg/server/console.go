package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
)

var (
	consoleHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	consoleCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	consoleMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	consoleErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// errStopConsole ends Run after the server was stopped from the console
var errStopConsole = errors.New("stop")

type consoleCommand struct {
	usage string
	help  string
	run   func(args []string) error
}

// Console reads operator commands, one per line
type Console struct {
	server   *Server
	out      io.Writer
	commands map[string]consoleCommand
}

// NewConsole creates a console that writes its output to out
func NewConsole(s *Server, out io.Writer) *Console {
	c := &Console{server: s, out: out}
	c.commands = map[string]consoleCommand{
		"add-channel":    {"add-channel <name> [description]", "Create a public channel", c.addChannel},
		"remove-channel": {"remove-channel <name>", "Delete a channel and its messages, moving its members", c.removeChannel},
		"list-clients":   {"list-clients", "Show connected clients", c.listClients},
		"list-pending":   {"list-pending", "Show registrations waiting for approval", c.listPending},
		"accept":         {"accept <user-id>", "Accept a pending registration", c.decide(true)},
		"reject":         {"reject <user-id>", "Reject a pending registration", c.decide(false)},
		"stop":           {"stop", "Disconnect everyone and shut down", c.stop},
		"help":           {"help", "Show this list", c.help},
	}
	return c
}

// Run executes commands from in until it is exhausted or "stop" is entered
func (c *Console) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := c.Execute(scanner.Text()); errors.Is(err, errStopConsole) {
			return nil
		}
	}
	return scanner.Err()
}

// Execute runs a single command line. Command errors are printed, not returned.
func (c *Console) Execute(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}

	cmd, ok := c.commands[strings.ToLower(words[0])]
	if !ok {
		c.printError("Unknown command. Type help for a list of commands.")
		return nil
	}

	err := cmd.run(words[1:])
	if errors.Is(err, errStopConsole) {
		return err
	}
	if err != nil {
		c.printError(err.Error())
	}
	return nil
}

func (c *Console) printError(msg string) {
	fmt.Fprintln(c.out, consoleErrorStyle.Render(msg))
}

func (c *Console) addChannel(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: add-channel <name> [description]")
	}
	ch, err := c.server.AddChannel(args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Added channel %s.\n", ch)
	return nil
}

func (c *Console) removeChannel(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: remove-channel <name>")
	}
	if err := c.server.RemoveChannel(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Removed channel #%s.\n", normalizeChannelName(args[0]))
	return nil
}

func (c *Console) listClients(args []string) error {
	clients := c.server.clients.Clients()
	if len(clients) == 0 {
		fmt.Fprintln(c.out, consoleMutedStyle.Render("No clients connected."))
		return nil
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Nickname() < clients[j].Nickname() })

	rows := make([][]string, 0, len(clients))
	for _, cl := range clients {
		channel := "-"
		if ch, ok := c.server.channels.Current(cl); ok {
			channel = ch.String()
		}
		rows = append(rows, []string{cl.Nickname(), cl.ID().String(), channel, cl.Transport(), cl.RemoteAddr().String()})
	}
	c.printTable([]string{"Nickname", "ID", "Channel", "Transport", "Address"}, rows)
	return nil
}

func (c *Console) listPending(args []string) error {
	users, err := c.server.auth.PendingUsers()
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(c.out, consoleMutedStyle.Render("No pending registrations."))
		return nil
	}

	rows := make([][]string, 0, len(users))
	for _, u := range users {
		connected := "no"
		for _, p := range c.server.clients.PendingClients() {
			if p.ID() == u.ID {
				connected = "yes"
				break
			}
		}
		rows = append(rows, []string{
			u.ID.String(),
			safeDeref(u.Username, ""),
			u.Nickname,
			time.UnixMilli(u.CreatedAt).Format(time.DateTime),
			connected,
		})
	}
	c.printTable([]string{"ID", "Username", "Name", "Registered", "Connected"}, rows)
	return nil
}

func (c *Console) decide(accepted bool) func(args []string) error {
	return func(args []string) error {
		if len(args) != 1 {
			return errors.New("usage: accept|reject <user-id>")
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		if err := c.server.DecidePendingUser(id, accepted); err != nil {
			return err
		}
		verb := "Rejected"
		if accepted {
			verb = "Accepted"
		}
		fmt.Fprintf(c.out, "%s %s.\n", verb, id)
		return nil
	}
}

func (c *Console) stop(args []string) error {
	fmt.Fprintln(c.out, "Stopping server...")
	if err := c.server.Stop(); err != nil {
		c.printError(err.Error())
	}
	return errStopConsole
}

func (c *Console) help(args []string) error {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{c.commands[name].usage, c.commands[name].help})
	}
	c.printTable([]string{"Command", "Description"}, rows)
	return nil
}

func (c *Console) printTable(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(consoleMutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return consoleHeaderStyle
			}
			return consoleCellStyle
		})
	fmt.Fprintln(c.out, t.Render())
}
