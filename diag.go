package smp

// MessageInfo summarizes one in-flight message for diagnostics
type MessageInfo struct {
	Kind   string `json:"kind"`
	Sender int32  `json:"sender"`
	Sync   bool   `json:"sync"`
}

// CPUDebugInfo describes one processor's coordination state
type CPUDebugInfo struct {
	CPU     int32         `json:"cpu"`
	Online  bool          `json:"online"`
	Halted  bool          `json:"halted"`
	Pending []MessageInfo `json:"pending,omitempty"`
}

// LockInfo describes one instrumented coordinator lock
type LockInfo struct {
	Name    string `json:"name"`
	Held    bool   `json:"held"`
	Holder  int32  `json:"holder"` // -1 when free
	Waiters int32  `json:"waiters"`
}

// DebugInfo is a read-only snapshot of coordinator state
type DebugInfo struct {
	NumCPUs           int32          `json:"num_cpus"`
	MessagingEnabled  bool           `json:"messaging_enabled"`
	FreeMessages      int            `json:"free_messages"`
	BroadcastBacklog  int            `json:"broadcast_backlog"`
	EarlyCallsPending int32          `json:"early_calls_pending"`
	CPUs              []CPUDebugInfo `json:"cpus"`
	Locks             []LockInfo     `json:"locks"`
}

// DebugInfo snapshots the coordinator for an external debugger. It takes no
// locks and has no side effects; pending-message walks race with live
// traffic and are best effort, so counts and summaries can be stale. Safe
// to call from any goroutine at any time, including while processors spin.
func (c *Coordinator) DebugInfo() DebugInfo {
	info := DebugInfo{
		NumCPUs:           c.numCPUs,
		MessagingEnabled:  c.enabled.Load(),
		FreeMessages:      int(c.pool.count.Load()),
		EarlyCallsPending: c.earlyCount.Load(),
		CPUs:              make([]CPUDebugInfo, c.numCPUs),
		Locks: []LockInfo{
			c.lockInfo(&c.pool.lock),
			c.lockInfo(&c.bcastLock),
		},
	}

	// walks are bounded by the pool size: slots recycle, so an unbounded
	// chase could loop
	limit := len(c.pool.slots)

	for i := int32(0); i < c.numCPUs; i++ {
		ci := CPUDebugInfo{
			CPU:    i,
			Online: c.cpus[i].online.Load(),
			Halted: c.cpus[i].halted.Load(),
		}
		for m, n := c.cpus[i].mailbox.head.Load(), 0; m != nil && n < limit; m, n = m.next.Load(), n+1 {
			ci.Pending = append(ci.Pending, MessageInfo{
				Kind:   m.kind.String(),
				Sender: m.sender,
				Sync:   m.flags&FlagSync != 0,
			})
		}
		info.CPUs[i] = ci
	}

	for m, n := c.bcastHead.Load(), 0; m != nil && n < limit; m, n = m.next.Load(), n+1 {
		info.BroadcastBacklog++
	}

	return info
}

func (c *Coordinator) lockInfo(l *ilock) LockInfo {
	return LockInfo{
		Name:    l.lock.Name,
		Held:    l.lock.Held(),
		Holder:  l.holder.Load(),
		Waiters: l.waiters.Load(),
	}
}
