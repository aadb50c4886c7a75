// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"image"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/rerollctl/internal/classifier"
	"github.com/xkilldash9x/rerollctl/internal/notify"
)

// -- Validation Store Mock --

// MockStore mocks validation.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) FetchNextPending(ctx context.Context) (string, bool, error) {
	args := m.Called(ctx)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockStore) Submit(ctx context.Context, id string, groupSize int) (bool, error) {
	args := m.Called(ctx, id, groupSize)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) SetValidity(ctx context.Context, id string, v int) error {
	return m.Called(ctx, id, v).Error(0)
}

func (m *MockStore) GetValidity(ctx context.Context, id string) (int, bool, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Bool(1), args.Error(2)
}

func (m *MockStore) Close() error { return m.Called().Error(0) }

// -- Notifier Mock --

// MockNotifier mocks notify.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

// -- Code Source Mock --

// MockCodeSource mocks codesource.Source.
type MockCodeSource struct {
	mock.Mock
}

func (m *MockCodeSource) Codes(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if codes := args.Get(0); codes != nil {
		return codes.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

// -- Recognizer Mock --

// MockRecognizer mocks vision.Recognizer.
type MockRecognizer struct {
	mock.Mock
}

func (m *MockRecognizer) RecognizeDigits(ctx context.Context, img image.Image) (string, error) {
	args := m.Called(ctx, img)
	return args.String(0), args.Error(1)
}

// -- Classifier Mock --

// MockClassifier mocks the pack result classifier.
type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Classify(ctx context.Context, frame image.Image) (classifier.Outcome, error) {
	args := m.Called(ctx, frame)
	return args.Get(0).(classifier.Outcome), args.Error(1)
}
