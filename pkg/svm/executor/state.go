package executor

// State is the observable execution state of an Instance. It is one of
// ReadyToRun, Finished, Trapped, LogEmit or ExternalityCall.
type State interface {
	isState()
}

// ReadyToRun means the VM can execute further.
type ReadyToRun struct {
	inst *Instance
	gen  uint64
}

// Run executes until the next observable state and returns it.
func (r ReadyToRun) Run() State {
	r.inst.check(r.gen)
	return r.inst.advance()
}

// Finished means the call returned. Output is owned by the caller.
type Finished struct {
	Output []byte
}

// Trapped means the call faulted. The instance cannot make progress.
type Trapped struct {
	Err error
}

// LogEmit is a pending log request from the runtime.
type LogEmit struct {
	Level   uint32
	Target  string
	Message string

	inst *Instance
	gen  uint64
}

// Resolve completes the log call. The runtime expects no response.
func (l LogEmit) Resolve() State {
	l.inst.check(l.gen)
	if err := l.inst.vm.Resume(0); err != nil {
		return l.inst.transition(Trapped{Err: err})
	}
	st := ReadyToRun{inst: l.inst}
	l.inst.gen++
	st.gen = l.inst.gen
	l.inst.state = st
	return st
}

// ExternalityCall is a pending call to a host function that needs state
// the executor does not provide.
type ExternalityCall struct {
	Name string
	Args [5]uint64
}

func (ReadyToRun) isState()      {}
func (Finished) isState()        {}
func (Trapped) isState()         {}
func (LogEmit) isState()         {}
func (ExternalityCall) isState() {}
