package server

// requestAdapter answers one kind of data request. Adapters run on the
// goroutine of the connection that received the request.
type requestAdapter interface {
	// Handle executes req and writes the answer into resp
	Handle(req *Request, resp *response, faults faultState)
}
