package conversation

// Turn is one in-flight exchange on a thread. Fragments of the
// assistant reply arrive on Fragments as the upstream model produces
// them; the channel is closed when the turn finishes, after which
// Err, Warning, and Reply report the outcome.
type Turn struct {
	threadID  string
	fragments chan string

	// Written by the pipeline goroutine before fragments is closed;
	// read by the consumer only after the channel closes.
	err        error
	warning    error
	reply      string
	summarized bool
}

func newTurn(threadID string) *Turn {
	return &Turn{
		threadID:  threadID,
		fragments: make(chan string),
	}
}

// ThreadID returns the thread this turn belongs to.
func (t *Turn) ThreadID() string {
	return t.threadID
}

// Fragments returns the reply fragment channel. The channel is closed
// when the turn completes, fails, or is canceled.
func (t *Turn) Fragments() <-chan string {
	return t.fragments
}

// Err returns the terminal error, if any. Only valid after Fragments
// is closed. A *UpstreamError means the reply is incomplete and
// nothing was persisted.
func (t *Turn) Err() error {
	return t.err
}

// Warning returns a non-fatal error, if any. Only valid after
// Fragments is closed. A *StoreError means the reply was delivered
// but not persisted.
func (t *Turn) Warning() error {
	return t.warning
}

// Reply returns the accumulated assistant reply. Only valid after
// Fragments is closed.
func (t *Turn) Reply() string {
	return t.reply
}

// Summarized reports whether this turn condensed older history into a
// summary message. Only valid after Fragments is closed.
func (t *Turn) Summarized() bool {
	return t.summarized
}
