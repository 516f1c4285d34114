package codegen

// regPool tracks the registers available to one function.  Registers that
// were handed out and later expired go to free, in expiry order; caller and
// callee hold registers that have never been handed out.
type regPool struct {
	m          *Machine
	free       []string
	caller     []string
	callee     []string
	freeCallee int
}

func newRegPool(m *Machine) *regPool {
	return &regPool{
		m:          m,
		caller:     append([]string{}, m.CallerSaved...),
		callee:     append([]string{}, m.CalleeSaved...),
		freeCallee: len(m.CalleeSaved),
	}
}

// get hands out a register.  With calleeOnly it returns a callee-saved one
// and the caller must have checked calleeFree first.
func (p *regPool) get(calleeOnly bool) string {
	if calleeOnly {
		for i, r := range p.free {
			if p.m.IsCalleeSaved(r) {
				p.free = append(p.free[:i], p.free[i+1:]...)
				p.freeCallee--
				return r
			}
		}
		return p.takeCallee()
	}

	if len(p.free) > 0 {
		r := p.free[0]
		p.free = p.free[1:]
		if p.m.IsCalleeSaved(r) {
			p.freeCallee--
		}
		return r
	}
	if len(p.caller) > 0 {
		r := p.caller[0]
		p.caller = p.caller[1:]
		return r
	}
	return p.takeCallee()
}

func (p *regPool) takeCallee() string {
	r := p.callee[0]
	p.callee = p.callee[1:]
	p.freeCallee--
	return r
}

// put returns an expired register to the pool.
func (p *regPool) put(r string) {
	if p.m.IsCalleeSaved(r) {
		p.freeCallee++
	}
	p.free = append(p.free, r)
}

// calleeFree is the number of callee-saved registers not currently held.
func (p *regPool) calleeFree() int {
	return p.freeCallee
}
