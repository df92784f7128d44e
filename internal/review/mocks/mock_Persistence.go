// Package mocks provides test doubles for the review persistence backend.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"

	model "github.com/sells-group/proposal-review/internal/model"
)

// MockPersistence is a mock type for the Persistence interface.
type MockPersistence struct {
	mock.Mock
}

// Fetch provides a mock function with given fields: ctx, id
func (_m *MockPersistence) Fetch(ctx context.Context, id string) (model.SourceProposal, error) {
	ret := _m.Called(ctx, id)

	if len(ret) == 0 {
		panic("no return value specified for Fetch")
	}

	var r0 model.SourceProposal
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (model.SourceProposal, error)); ok {
		return rf(ctx, id)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) model.SourceProposal); ok {
		r0 = rf(ctx, id)
	} else {
		r0 = ret.Get(0).(model.SourceProposal)
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, id)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// PersistOverrides provides a mock function with given fields: ctx, id, diff
func (_m *MockPersistence) PersistOverrides(ctx context.Context, id string, diff model.AutosaveDiff) error {
	ret := _m.Called(ctx, id, diff)

	if len(ret) == 0 {
		panic("no return value specified for PersistOverrides")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string, model.AutosaveDiff) error); ok {
		return rf(ctx, id, diff)
	}
	return ret.Error(0)
}

// ValidateBlock provides a mock function with given fields: ctx, id, payload
func (_m *MockPersistence) ValidateBlock(ctx context.Context, id string, payload model.BlockPayload) error {
	ret := _m.Called(ctx, id, payload)

	if len(ret) == 0 {
		panic("no return value specified for ValidateBlock")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string, model.BlockPayload) error); ok {
		return rf(ctx, id, payload)
	}
	return ret.Error(0)
}

// UnvalidateBlock provides a mock function with given fields: ctx, id, block
func (_m *MockPersistence) UnvalidateBlock(ctx context.Context, id string, block string) error {
	ret := _m.Called(ctx, id, block)

	if len(ret) == 0 {
		panic("no return value specified for UnvalidateBlock")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string, string) error); ok {
		return rf(ctx, id, block)
	}
	return ret.Error(0)
}

// NewMockPersistence creates a new instance of MockPersistence. It registers
// a cleanup function to assert the mock's expectations.
func NewMockPersistence(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockPersistence {
	m := &MockPersistence{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
