package notify

import (
	"context"
	"sync"
	"time"

	"github.com/hackgods/consultation-queue/internal/clock"
	"github.com/hackgods/consultation-queue/internal/schedule"
)

const DefaultUrgentToneMax = 10 * time.Second

// TonePattern describes a sound the UI synthesises.
type TonePattern struct {
	Name        string        `json:"name"`
	Frequencies []int         `json:"frequencies"`
	Beat        time.Duration `json:"beat"`
	Period      time.Duration `json:"period"`
}

var (
	ProximityTone = TonePattern{Name: "proximity", Frequencies: []int{660, 880}, Beat: 150 * time.Millisecond, Period: time.Second}
	UrgentTone    = TonePattern{Name: "urgent", Frequencies: []int{880, 1320, 880, 1320}, Beat: 120 * time.Millisecond, Period: 2 * time.Second}
)

type toneFrame struct {
	Pattern TonePattern `json:"pattern"`
	Repeat  int         `json:"repeat"`
}

// AudibleChannel plays tones on the recipient's UI sessions. Urgent tones
// repeat until stopped or until the max duration passes.
type AudibleChannel struct {
	player    Publisher
	sched     *schedule.Scheduler
	clock     clock.Clock
	maxRepeat time.Duration

	mu     sync.Mutex
	played map[string]int
	// gen is bumped by every new tone and by Stop; a repeat of an older
	// generation neither plays nor reschedules.
	gen     map[string]uint64
	looping map[string]bool
}

func NewAudibleChannel(player Publisher, sched *schedule.Scheduler, c clock.Clock, maxRepeat time.Duration) *AudibleChannel {
	if maxRepeat <= 0 {
		maxRepeat = DefaultUrgentToneMax
	}
	return &AudibleChannel{
		player:    player,
		sched:     sched,
		clock:     c,
		maxRepeat: maxRepeat,
		played:    make(map[string]int),
		gen:       make(map[string]uint64),
		looping:   make(map[string]bool),
	}
}

func (c *AudibleChannel) Name() ChannelName { return ChannelAudible }

func (c *AudibleChannel) Send(_ context.Context, n Notification, p Presentation) Result {
	if !p.Sound {
		return Result{Skipped: true}
	}

	pattern := ProximityTone
	if p.SoundLoop {
		pattern = UrgentTone
	}

	// a new tone replaces whatever is still looping
	c.sched.CancelKey(toneKey(n.Recipient))
	c.mu.Lock()
	c.gen[n.Recipient]++
	gen := c.gen[n.Recipient]
	c.looping[n.Recipient] = p.SoundLoop
	c.mu.Unlock()

	if err := c.play(n.Recipient, pattern, 0); err != nil {
		return Result{Err: err}
	}
	if p.SoundLoop && c.current(n.Recipient, gen) {
		now := c.clock.Now()
		c.scheduleRepeat(n.Recipient, pattern, gen, 1, now, now.Add(c.maxRepeat))
	}
	return Result{Success: true}
}

// Stop silences any looping tone for recipient, including one whose repeat
// is playing right now.
func (c *AudibleChannel) Stop(recipient string) {
	c.mu.Lock()
	c.gen[recipient]++
	wasLooping := c.looping[recipient]
	delete(c.looping, recipient)
	c.mu.Unlock()

	c.sched.CancelKey(toneKey(recipient))
	if wasLooping {
		_ = c.player.Publish(recipient, "tone.stop", nil)
	}
}

// Played reports how many times a tone was played for recipient.
func (c *AudibleChannel) Played(recipient string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.played[recipient]
}

func (c *AudibleChannel) play(recipient string, pattern TonePattern, repeat int) error {
	c.mu.Lock()
	c.played[recipient]++
	c.mu.Unlock()
	return c.player.Publish(recipient, "tone", toneFrame{Pattern: pattern, Repeat: repeat})
}

func (c *AudibleChannel) current(recipient string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[recipient] == gen
}

func (c *AudibleChannel) scheduleRepeat(recipient string, pattern TonePattern, gen uint64, repeat int, from, deadline time.Time) {
	at := from.Add(pattern.Period)
	if at.After(deadline) {
		c.mu.Lock()
		if c.gen[recipient] == gen {
			delete(c.looping, recipient)
		}
		c.mu.Unlock()
		return
	}
	c.sched.Schedule(at, toneKey(recipient), func(context.Context) {
		if !c.current(recipient, gen) {
			return
		}
		_ = c.play(recipient, pattern, repeat)
		if c.current(recipient, gen) {
			c.scheduleRepeat(recipient, pattern, gen, repeat+1, at, deadline)
		}
	})
}

func toneKey(recipient string) string {
	return "tone:" + recipient
}
