package async

// fanout starts sub-commands with at most limit of them in flight. Zero
// starts every command at once. Loop goroutine only.
type fanout struct {
	limit   int
	running int
	pending []*Command
}

// add queues cmds and starts as many as the limit allows
func (f *fanout) add(cmds ...*Command) {
	f.pending = append(f.pending, cmds...)
	f.pump()
}

// done frees the slot of a finished command
func (f *fanout) done() {
	f.running--
	f.pump()
}

func (f *fanout) pump() {
	for len(f.pending) > 0 && (f.limit <= 0 || f.running < f.limit) {
		cmd := f.pending[0]
		f.pending[0] = nil
		f.pending = f.pending[1:]
		f.running++
		cmd.Execute()
	}
}
