package cycle

// Progress receives updates from long operations. It is called from the
// goroutine running the operation and must not block.
type Progress func(done, total int, message string)

func (p Progress) report(done, total int, message string) {
	if p != nil {
		p(done, total, message)
	}
}
