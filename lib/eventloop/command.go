package eventloop

// Command is work that holds an admission slot from Start until it calls
// Loop.Release. Exactly one of Start and Reject is called.
type Command interface {
	// Start runs on the loop once the command holds a slot
	Start()
	// Reject reports that the command was never started
	Reject(err error)
}

// CommandFuncs adapts a pair of functions to Command
type CommandFuncs struct {
	OnStart  func()
	OnReject func(err error)
}

func (c *CommandFuncs) Start() {
	if c.OnStart != nil {
		c.OnStart()
	}
}

func (c *CommandFuncs) Reject(err error) {
	if c.OnReject != nil {
		c.OnReject(err)
	}
}

// Admission is the outcome of Loop.Admit
type Admission uint8

const (
	// Started means the command got a slot and Start ran
	Started Admission = iota
	// Delayed means the command waits in the delay queue
	Delayed
	// Rejected means Reject ran
	Rejected
)

func (a Admission) String() string {
	switch a {
	case Started:
		return "started"
	case Delayed:
		return "delayed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
