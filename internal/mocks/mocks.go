package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/identity"
	"dm-service/internal/messaging"
	"dm-service/internal/models"
)

type MessengerMock struct {
	mock.Mock
}

func (m *MessengerMock) Send(ctx context.Context, sender models.Sender, receiverID, body string) (models.Message, error) {
	args := m.Called(ctx, sender, receiverID, body)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessengerMock) Initiate(ctx context.Context, admin models.Sender, counterpartID string, meta models.Profile, body string) (messaging.InitiateResult, error) {
	args := m.Called(ctx, admin, counterpartID, meta, body)
	var res messaging.InitiateResult
	if val := args.Get(0); val != nil {
		res = val.(messaging.InitiateResult)
	}
	return res, args.Error(1)
}

func (m *MessengerMock) MarkAsRead(ctx context.Context, ownerID, key string) (int, error) {
	args := m.Called(ctx, ownerID, key)
	return args.Int(0), args.Error(1)
}

func (m *MessengerMock) Repair(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MessengerMock) SupportAlias() string {
	args := m.Called()
	return args.String(0)
}

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) Lookup(ctx context.Context, userID string) (identity.Identity, error) {
	args := m.Called(ctx, userID)
	var ident identity.Identity
	if val := args.Get(0); val != nil {
		ident = val.(identity.Identity)
	}
	return ident, args.Error(1)
}

type RepairQueueMock struct {
	mock.Mock
}

func (m *RepairQueueMock) EnqueueRepair(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

var _ identity.Directory = (*DirectoryMock)(nil)
