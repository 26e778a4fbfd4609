package blinktree

// stackElement remembers an ancestor reached through a real child pointer.
type stackElement struct {
	off   int64
	level uint32
}

type stack struct {
	list []stackElement
}

func (s *stack) push(e stackElement) {
	s.list = append(s.list, e)
}

func (s *stack) pop() (stackElement, bool) {
	if len(s.list) == 0 {
		return stackElement{}, false
	}
	v := s.list[len(s.list)-1]
	s.list = s.list[:len(s.list)-1]
	return v, true
}
