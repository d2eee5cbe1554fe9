package messagelog

import (
	"fmt"
	"sync"
	"time"
)

const (
	machineIDBits = 10
	sequenceBits  = 12

	maxMachineID = (1 << machineIDBits) - 1 // 1023
	maxSequence  = (1 << sequenceBits) - 1  // 4095

	machineIDShift = sequenceBits
	timestampShift = sequenceBits + machineIDBits
)

// SnowflakeGenerator generates 64-bit ids: 41 bits of milliseconds since
// epoch, 10 bits of machine id and a 12-bit sequence. Ids are strictly
// increasing within one generator.
type SnowflakeGenerator struct {
	mu        sync.Mutex
	epoch     int64 // custom epoch in ms
	machineID int64
	sequence  int64
	lastTime  int64 // ms of the last id
	now       func() int64
}

// NewSnowflakeGenerator creates a generator. machineID must be in [0, 1023];
// epoch is in unix milliseconds.
func NewSnowflakeGenerator(machineID int64, epoch int64) (*SnowflakeGenerator, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("machine_id must be between 0 and %d, got %d", maxMachineID, machineID)
	}
	return &SnowflakeGenerator{
		epoch:     epoch,
		machineID: machineID,
		now:       func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (g *SnowflakeGenerator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now-g.epoch < 0 {
		return 0, fmt.Errorf("current time is before custom epoch")
	}

	// A clock stepping backwards keeps counting on the last millisecond.
	if now < g.lastTime {
		now = g.lastTime
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted, wait for next millisecond
			for now <= g.lastTime {
				time.Sleep(100 * time.Microsecond)
				now = g.now()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTime = now

	return ((now - g.epoch) << timestampShift) | (g.machineID << machineIDShift) | g.sequence, nil
}

// decompose splits an id into its timestamp (unix ms), machine id and sequence.
func (g *SnowflakeGenerator) decompose(id int64) (timestampMs, machineID, sequence int64) {
	return (id >> timestampShift) + g.epoch, (id >> machineIDShift) & maxMachineID, id & maxSequence
}
