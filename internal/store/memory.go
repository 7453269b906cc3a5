package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"command-relay/internal/models"
)

type commandEntry struct {
	cmd *models.Command
	seq uint64
}

// Memory is a volatile CommandRepository and ClientRepository. Everything
// returned is a copy; callers never hold pointers into the store.
type Memory struct {
	cmdMu    sync.RWMutex
	commands map[string]*commandEntry
	nextSeq  uint64

	clientMu sync.RWMutex
	clients  map[string]*models.Client
	order    []string
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		commands: make(map[string]*commandEntry),
		clients:  make(map[string]*models.Client),
	}
}

// InsertCommand appends a command
func (m *Memory) InsertCommand(_ context.Context, cmd *models.Command) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	if _, exists := m.commands[cmd.ID]; exists {
		return fmt.Errorf("command %s already exists", cmd.ID)
	}
	m.nextSeq++
	m.commands[cmd.ID] = &commandEntry{cmd: cmd.Clone(), seq: m.nextSeq}
	return nil
}

// GetCommand retrieves a command by its ID
func (m *Memory) GetCommand(_ context.Context, id string) (*models.Command, error) {
	m.cmdMu.RLock()
	defer m.cmdMu.RUnlock()

	e, ok := m.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	return e.cmd.Clone(), nil
}

// ListCommands returns a filtered, ordered snapshot
func (m *Memory) ListCommands(_ context.Context, f CommandFilter) ([]*models.Command, error) {
	m.cmdMu.RLock()
	defer m.cmdMu.RUnlock()

	matched := m.selectLocked(f)
	out := make([]*models.Command, len(matched))
	for i, c := range matched {
		out[i] = c.Clone()
	}
	return out, nil
}

// selectLocked returns stored pointers; the caller must hold cmdMu.
func (m *Memory) selectLocked(f CommandFilter) []*models.Command {
	entries := make([]*commandEntry, 0, len(m.commands))
	for _, e := range m.commands {
		if f.Match(e.cmd) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	cmds := make([]*models.Command, len(entries))
	for i, e := range entries {
		cmds[i] = e.cmd
	}
	SortCommands(cmds, f.Order)
	if f.Limit > 0 && len(cmds) > f.Limit {
		cmds = cmds[:f.Limit]
	}
	return cmds
}

// UpdateCommand applies mutate to a copy and stores it if mutate succeeds
func (m *Memory) UpdateCommand(_ context.Context, id string, mutate func(*models.Command) error) (*models.Command, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	e, ok := m.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	next := e.cmd.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return e.cmd.Clone(), err
		}
		return nil, err
	}
	next.ID = id
	e.cmd = next
	return next.Clone(), nil
}

// ClaimCommands selects pending commands in dispatch order and marks them
// processing for req.ClientID under a single write lock.
func (m *Memory) ClaimCommands(_ context.Context, req ClaimRequest) ([]*models.Command, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	selected := m.selectLocked(CommandFilter{
		Statuses: []models.CommandStatus{models.StatusPending},
		Types:    req.Types,
		Order:    OrderDispatch,
		Limit:    req.Limit,
	})

	out := make([]*models.Command, 0, len(selected))
	for _, cmd := range selected {
		claimedAt := req.Now
		cmd.Status = models.StatusProcessing
		cmd.ClaimedBy = req.ClientID
		cmd.ClaimedAt = &claimedAt
		cmd.Attempts++
		out = append(out, cmd.Clone())
	}
	return out, nil
}

// DeleteTerminalBefore evicts completed/failed commands submitted before cutoff
func (m *Memory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	removed := 0
	for id, e := range m.commands {
		if e.cmd.Status.Terminal() && e.cmd.SubmittedAt.Before(cutoff) {
			delete(m.commands, id)
			removed++
		}
	}
	return removed, nil
}

// CountCommands returns totals by status
func (m *Memory) CountCommands(_ context.Context) (models.CommandCounts, error) {
	m.cmdMu.RLock()
	defer m.cmdMu.RUnlock()

	var counts models.CommandCounts
	for _, e := range m.commands {
		counts.Add(e.cmd.Status)
	}
	return counts, nil
}

// InsertClient registers a client
func (m *Memory) InsertClient(_ context.Context, c *models.Client) error {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	if _, exists := m.clients[c.ID]; exists {
		return fmt.Errorf("client %s already exists", c.ID)
	}
	m.clients[c.ID] = c.Clone()
	m.order = append(m.order, c.ID)
	return nil
}

// GetClient retrieves a client by its ID
func (m *Memory) GetClient(_ context.Context, id string) (*models.Client, error) {
	m.clientMu.RLock()
	defer m.clientMu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

// ListClients returns all clients in registration order
func (m *Memory) ListClients(_ context.Context) ([]*models.Client, error) {
	m.clientMu.RLock()
	defer m.clientMu.RUnlock()

	out := make([]*models.Client, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.clients[id].Clone())
	}
	return out, nil
}

// TouchClient refreshes lastSeen and reactivates the client
func (m *Memory) TouchClient(_ context.Context, id string, now time.Time) (*models.Client, error) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	c.LastSeen = now
	c.Status = models.ClientActive
	return c.Clone(), nil
}

// MarkInactiveBefore demotes active clients not seen since cutoff
func (m *Memory) MarkInactiveBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	demoted := 0
	for _, c := range m.clients {
		if c.Status == models.ClientActive && c.LastSeen.Before(cutoff) {
			c.Status = models.ClientInactive
			demoted++
		}
	}
	return demoted, nil
}

// CountClients returns totals by status
func (m *Memory) CountClients(_ context.Context) (models.ClientCounts, error) {
	m.clientMu.RLock()
	defer m.clientMu.RUnlock()

	var counts models.ClientCounts
	for _, c := range m.clients {
		counts.Total++
		if c.Status == models.ClientActive {
			counts.Active++
		} else {
			counts.Inactive++
		}
	}
	return counts, nil
}
