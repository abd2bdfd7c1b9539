package queue

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProvider is a mock implementation of the Provider interface for testing.
type MockProvider struct {
	mock.Mock
}

// Publish is the mock implementation of the Publish method.
func (m *MockProvider) Publish(ctx context.Context, body []byte) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}

// Receive is the mock implementation of the Receive method.
func (m *MockProvider) Receive(ctx context.Context) (Delivery, error) {
	args := m.Called(ctx)
	d, _ := args.Get(0).(Delivery)
	return d, args.Error(1)
}

// Close is the mock implementation of the Close method.
func (m *MockProvider) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockDelivery is a mock implementation of the Delivery interface.
type MockDelivery struct {
	mock.Mock
}

// ID is the mock implementation of the ID method.
func (m *MockDelivery) ID() string {
	return m.Called().String(0)
}

// Body is the mock implementation of the Body method.
func (m *MockDelivery) Body() []byte {
	b, _ := m.Called().Get(0).([]byte)
	return b
}

// Ack is the mock implementation of the Ack method.
func (m *MockDelivery) Ack(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// Nack is the mock implementation of the Nack method.
func (m *MockDelivery) Nack(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
