package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/csi-connect/chatter-api/internal/models"
)

// UserRepository resolves identities for sender snapshots.
type UserRepository interface {
	FindByID(ctx context.Context, id uint) (models.User, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) FindByID(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}
