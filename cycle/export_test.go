package cycle

// SetReadFile replaces how the ingestor reads returned files.
func SetReadFile(s *Service, fn func(string) ([]byte, error)) { s.readFile = fn }
