package domain

import "context"

type DeployRepository interface {
	SaveSession(ctx context.Context, s DeploySession) error
	ListRecent(ctx context.Context, limit int) ([]DeploySession, error)
}
