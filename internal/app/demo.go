package app

import (
	"fmt"
	"math"
	"time"

	"github.com/1ureka/tablesync/internal/protocol"
	"github.com/1ureka/tablesync/internal/table"
)

// Demo places tokens on the table and walks them around a circle so remote
// peers have something moving to replicate.
type Demo struct {
	table  *table.Table
	ids    []protocol.SyncObjectMe
	count  int
	start  time.Time
	radius float32
	speed  float64 // radians per second
}

// NewDemo creates n tokens evenly spaced on a circle.
func NewDemo(tb *table.Table, n int) *Demo {
	d := &Demo{table: tb, count: n, start: time.Now(), radius: 2, speed: 0.5}
	for i := range n {
		state := protocol.ObjectState{
			Kind:     "token",
			Name:     fmt.Sprintf("piece-%d", i+1),
			Counters: map[string]int{"seat": i},
		}
		id := tb.Create(state, d.transform(i, 0))
		d.ids = append(d.ids, id)
	}
	return d
}

// IDs returns the demo pieces in creation order.
func (d *Demo) IDs() []protocol.SyncObjectMe { return d.ids }

// Step moves every piece to its position at now.
func (d *Demo) Step(now time.Time) {
	elapsed := now.Sub(d.start).Seconds()
	for i, id := range d.ids {
		d.table.Move(id, d.transform(i, elapsed))
	}
}

func (d *Demo) transform(i int, elapsed float64) protocol.Transform {
	angle := d.speed*elapsed + 2*math.Pi*float64(i)/float64(d.count)
	sin, cos := math.Sincos(angle)
	half := math.Sin(angle / 2)

	tr := protocol.Identity()
	tr.Translation = [3]float32{d.radius * float32(cos), 0, d.radius * float32(sin)}
	tr.Rotation = [4]float32{0, float32(half), 0, float32(math.Cos(angle / 2))}
	return tr
}
