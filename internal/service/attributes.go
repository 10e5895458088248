package service

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/savory-labs/recipebox-back/internal/db"
)

// Attributes covers the two recipe attribute resources, tags and
// ingredients. They share list/rename/delete behavior; neither has a direct
// create path, attributes come into existence through nested recipe writes.
type Attributes struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

func NewAttributes(db *gorm.DB, l *zap.SugaredLogger) *Attributes {
	return &Attributes{
		db:     db,
		logger: l,
	}
}

func (s *Attributes) Tags(user *db.User) ([]db.Tag, error) {
	tags := make([]db.Tag, 0)
	res := s.db.Where("user_id = ?", user.ID).Order("name DESC").Find(&tags)
	if res.Error != nil {
		return nil, res.Error
	}
	return tags, nil
}

func (s *Attributes) RenameTag(user *db.User, id uint64, name string) (*db.Tag, error) {
	tag := db.Tag{}
	res := s.db.Where("id = ? AND user_id = ?", id, user.ID).First(&tag)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, res.Error
	}

	if err := s.checkNameFree(&db.Tag{}, user.ID, tag.ID, name); err != nil {
		return nil, err
	}
	if res := s.db.Model(&tag).Update("name", name); res.Error != nil {
		return nil, res.Error
	}
	return &tag, nil
}

func (s *Attributes) DeleteTag(user *db.User, id uint64) error {
	tag := db.Tag{}
	res := s.db.Where("id = ? AND user_id = ?", id, user.ID).First(&tag)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return res.Error
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&tag).Association("Recipes").Clear(); err != nil {
			return err
		}
		return tx.Delete(&tag).Error
	})
}

// checkNameFree guards the (owner, name) unique index before a rename, so a
// collision surfaces as a client error instead of a driver-specific one.
func (s *Attributes) checkNameFree(model interface{}, userID, selfID uint64, name string) error {
	var count int64
	res := s.db.Model(model).
		Where("user_id = ? AND name = ? AND id <> ?", userID, name, selfID).
		Count(&count)
	if res.Error != nil {
		return res.Error
	}
	if count > 0 {
		return errors.Wrapf(ErrInvalidInput, "name %q already in use", name)
	}
	return nil
}

func (s *Attributes) Ingredients(user *db.User) ([]db.Ingredient, error) {
	ingredients := make([]db.Ingredient, 0)
	res := s.db.Where("user_id = ?", user.ID).Order("name DESC").Find(&ingredients)
	if res.Error != nil {
		return nil, res.Error
	}
	return ingredients, nil
}

func (s *Attributes) RenameIngredient(user *db.User, id uint64, name string) (*db.Ingredient, error) {
	ingredient := db.Ingredient{}
	res := s.db.Where("id = ? AND user_id = ?", id, user.ID).First(&ingredient)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, res.Error
	}

	if err := s.checkNameFree(&db.Ingredient{}, user.ID, ingredient.ID, name); err != nil {
		return nil, err
	}
	if res := s.db.Model(&ingredient).Update("name", name); res.Error != nil {
		return nil, res.Error
	}
	return &ingredient, nil
}

func (s *Attributes) DeleteIngredient(user *db.User, id uint64) error {
	ingredient := db.Ingredient{}
	res := s.db.Where("id = ? AND user_id = ?", id, user.ID).First(&ingredient)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return res.Error
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ingredient).Association("Recipes").Clear(); err != nil {
			return err
		}
		return tx.Delete(&ingredient).Error
	})
}
