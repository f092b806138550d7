package stats

import "github.com/stretchr/testify/mock"

// MockStatsUpdater records metric calls. Gauge functions are not invoked.
type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterGauge(name string, fn func() int) {
	m.Called(name)
}
func (m *MockStatsUpdater) Run() {
	m.Called()
}
