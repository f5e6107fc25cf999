package audit

// NoOpLogger is a no-op implementation for when auditing is disabled
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return new(NoOpLogger)
}

func (n *NoOpLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, nil
}

func (n *NoOpLogger) Log(string, bool, map[string]interface{}) error {
	return nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
