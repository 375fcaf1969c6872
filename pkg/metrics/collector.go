package metrics

import (
	"time"

	"github.com/cuemby/ledger/pkg/driver"
	"github.com/cuemby/ledger/pkg/mvcc"
	"github.com/cuemby/ledger/pkg/raft"
)

var allRoles = []raft.Role{raft.RoleFollower, raft.RoleCandidate, raft.RoleLeader}

// Collector periodically samples a node's Raft, driver, and MVCC state and
// publishes it to the package gauges. It never mutates what it reads: the
// node's event loop is still the only writer of raft.Node, driver.Driver,
// and mvcc.MVCC state, so this only ever samples them.
type Collector struct {
	node   *raft.Node
	driver *driver.Driver
	mvcc   *mvcc.MVCC
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over one node's state.
func NewCollector(node *raft.Node, d *driver.Driver, mv *mvcc.MVCC) *Collector {
	return &Collector{
		node:   node,
		driver: d,
		mvcc:   mv,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 5 second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRaftMetrics()
	c.collectMVCCMetrics()
}

func (c *Collector) collectRaftMetrics() {
	RaftTerm.Set(float64(c.node.Term))
	RaftLastIndex.Set(float64(c.node.Log.LastIndex()))
	RaftCommitIndex.Set(float64(c.node.Log.CommitIndex()))
	RaftAppliedIndex.Set(float64(c.driver.AppliedIndex()))

	current := c.node.Role()
	for _, role := range allRoles {
		value := 0.0
		if role == current {
			value = 1
		}
		RaftRole.WithLabelValues(role.String()).Set(value)
	}
}

func (c *Collector) collectMVCCMetrics() {
	status, err := c.mvcc.Status()
	if err != nil {
		return
	}
	MVCCTxnsTotal.Set(float64(status.Txns))
	MVCCTxnsActive.Set(float64(status.TxnsActive))
	MVCCSerializationConflicts.Set(float64(status.Conflicts))
}
