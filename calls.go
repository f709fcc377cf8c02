package smp

// CallOnCPU schedules fn(arg, target) on target and returns without
// waiting. A call addressed to current runs inline.
func (c *Coordinator) CallOnCPU(current, target int32, fn CallFunc, arg any) {
	c.Send(current, target, Request{
		Kind: KindCallFunction,
		Fn:   fn,
		Arg:  arg,
	})
}

// CallOnCPUSync runs fn(arg, target) on target and returns only after it
// has finished there.
func (c *Coordinator) CallOnCPUSync(current, target int32, fn CallFunc, arg any) {
	c.Send(current, target, Request{
		Kind:  KindCallFunction,
		Fn:    fn,
		Arg:   arg,
		Flags: FlagSync,
	})
}

// CallAllCPUs schedules fn on every processor including current. The local
// call runs before returning; remote calls complete asynchronously. Before
// messaging is enabled the early-call path is used instead, which is always
// synchronous.
func (c *Coordinator) CallAllCPUs(current int32, fn CallFunc, arg any) {
	c.checkCPU(current)

	if !c.enabled.Load() {
		c.callAllEarly(current, fn, arg)
		return
	}

	if c.numCPUs > 1 {
		c.Broadcast(current, Request{
			Kind: KindCallFunction,
			Fn:   fn,
			Arg:  arg,
		})
	}
	fn(arg, current)
}

// CallAllCPUsSync runs fn on every processor including current and returns
// only after all of them have finished.
func (c *Coordinator) CallAllCPUsSync(current int32, fn CallFunc, arg any) {
	c.checkCPU(current)

	if !c.enabled.Load() {
		c.callAllEarly(current, fn, arg)
		return
	}

	if c.numCPUs > 1 {
		c.Broadcast(current, Request{
			Kind:  KindCallFunction,
			Fn:    fn,
			Arg:   arg,
			Flags: FlagSync,
		})
	}
	fn(arg, current)
}
