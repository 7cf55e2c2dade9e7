package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterGauge(name, help string) {
	m.Called(name, help)
}
func (m *MockStatsUpdater) RegisterCounter(name, help string) {
	m.Called(name, help)
}

// NoopStats satisfies StatsProvider for tests that do not assert metrics.
type NoopStats struct{}

func (NoopStats) Incr(string)                    {}
func (NoopStats) Decr(string)                    {}
func (NoopStats) RegisterGauge(string, string)   {}
func (NoopStats) RegisterCounter(string, string) {}
