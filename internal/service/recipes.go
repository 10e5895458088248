package service

import (
	"io"

	"github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/savory-labs/recipebox-back/internal/db"
	"github.com/savory-labs/recipebox-back/internal/storage"
)

type Recipes struct {
	db     *gorm.DB
	store  storage.ImageStore
	logger *zap.SugaredLogger
}

func NewRecipes(db *gorm.DB, store storage.ImageStore, l *zap.SugaredLogger) *Recipes {
	return &Recipes{
		db:     db,
		store:  store,
		logger: l,
	}
}

type (
	RecipeFilter struct {
		Tags        []uint64
		Ingredients []uint64
	}

	CreateRecipeInput struct {
		Title       string
		TimeMinutes uint
		Price       decimal.Decimal
		Description *string
		Link        *string
		Tags        []string
		Ingredients []string
	}

	// UpdateRecipeInput carries only the fields present in the request;
	// a nil Tags/Ingredients slice pointer means "leave associations alone",
	// a pointer to an empty slice clears them.
	UpdateRecipeInput struct {
		Title       *string
		TimeMinutes *uint
		Price       *decimal.Decimal
		Description *string
		Link        *string
		Tags        *[]string
		Ingredients *[]string
	}
)

// List returns the caller's recipes, newest first. When tag or ingredient id
// filters are supplied a recipe matches if it carries any of the listed ids
// in either filter; matches are deduplicated.
func (s *Recipes) List(user *db.User, f RecipeFilter) ([]db.Recipe, error) {
	if len(f.Tags) == 0 && len(f.Ingredients) == 0 {
		recipes := make([]db.Recipe, 0)
		res := s.db.Preload("Tags").Preload("Ingredients").
			Where("user_id = ?", user.ID).
			Order("id DESC").
			Find(&recipes)
		if res.Error != nil {
			return nil, res.Error
		}
		return recipes, nil
	}

	q := squirrel.
		Select("DISTINCT r.id").From("recipes r").
		Where(squirrel.Eq{"r.user_id": user.ID})
	match := squirrel.Or{}
	if len(f.Tags) != 0 {
		q = q.LeftJoin("recipe_tags rt ON r.id = rt.recipe_id")
		match = append(match, squirrel.Eq{"rt.tag_id": f.Tags})
	}
	if len(f.Ingredients) != 0 {
		q = q.LeftJoin("recipe_ingredients ri ON r.id = ri.recipe_id")
		match = append(match, squirrel.Eq{"ri.ingredient_id": f.Ingredients})
	}
	sql, args, err := q.Where(match).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build sql")
	}

	ids := make([]uint64, 0)
	res := s.db.Raw(sql, args...).Scan(&ids)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "scan")
	}
	if len(ids) == 0 {
		return []db.Recipe{}, nil
	}

	recipes := make([]db.Recipe, 0)
	res = s.db.Preload("Tags").Preload("Ingredients").
		Where("id IN ?", ids).
		Order("id DESC").
		Find(&recipes)
	if res.Error != nil {
		return nil, res.Error
	}
	return recipes, nil
}

// Get fetches one owned recipe; ownership failures are indistinguishable
// from absence.
func (s *Recipes) Get(user *db.User, id uint64) (*db.Recipe, error) {
	recipe := db.Recipe{}
	res := s.db.Preload("Tags").Preload("Ingredients").
		Where("id = ? AND user_id = ?", id, user.ID).
		First(&recipe)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, res.Error
	}
	return &recipe, nil
}

func (s *Recipes) Create(user *db.User, in CreateRecipeInput) (*db.Recipe, error) {
	model := db.Recipe{
		Title:       in.Title,
		TimeMinutes: in.TimeMinutes,
		Price:       in.Price,
		Description: in.Description,
		Link:        in.Link,
		UserID:      user.ID,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		tags, err := resolveTags(tx, user.ID, in.Tags)
		if err != nil {
			return err
		}
		ingredients, err := resolveIngredients(tx, user.ID, in.Ingredients)
		if err != nil {
			return err
		}
		model.Tags = tags
		model.Ingredients = ingredients

		if res := tx.Create(&model); res.Error != nil {
			return res.Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Get(user, model.ID)
}

func (s *Recipes) Update(user *db.User, id uint64, in UpdateRecipeInput) (*db.Recipe, error) {
	recipe, err := s.Get(user, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Title != nil {
		updates["title"] = *in.Title
	}
	if in.TimeMinutes != nil {
		updates["time_minutes"] = *in.TimeMinutes
	}
	if in.Price != nil {
		updates["price"] = *in.Price
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.Link != nil {
		updates["link"] = *in.Link
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			if res := tx.Model(recipe).Updates(updates); res.Error != nil {
				return res.Error
			}
		}
		if in.Tags != nil {
			tags, err := resolveTags(tx, user.ID, *in.Tags)
			if err != nil {
				return err
			}
			if err := tx.Model(recipe).Association("Tags").Replace(&tags); err != nil {
				return err
			}
		}
		if in.Ingredients != nil {
			ingredients, err := resolveIngredients(tx, user.ID, *in.Ingredients)
			if err != nil {
				return err
			}
			if err := tx.Model(recipe).Association("Ingredients").Replace(&ingredients); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Get(user, id)
}

func (s *Recipes) Delete(user *db.User, id uint64) error {
	recipe, err := s.Get(user, id)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Select(clause.Associations).Delete(recipe)
		return res.Error
	})
	if err != nil {
		return err
	}

	if recipe.ImagePath != nil {
		if err := s.store.Remove(*recipe.ImagePath); err != nil {
			s.logger.Errorw("remove recipe image", "recipe_id", id, "error", err)
		}
	}
	return nil
}

// AttachImage stores the uploaded binary and swaps the recipe's image
// reference; the previous binary is removed once the swap succeeds.
func (s *Recipes) AttachImage(user *db.User, id uint64, ext string, r io.Reader) (*db.Recipe, error) {
	recipe, err := s.Get(user, id)
	if err != nil {
		return nil, err
	}

	ref, err := s.store.Put(ext, r)
	if err != nil {
		return nil, errors.Wrap(err, "store image")
	}

	// copy: Update mutates recipe.ImagePath in place
	var old *string
	if recipe.ImagePath != nil {
		v := *recipe.ImagePath
		old = &v
	}
	res := s.db.Model(recipe).Update("image_path", ref)
	if res.Error != nil {
		if rmErr := s.store.Remove(ref); rmErr != nil {
			s.logger.Errorw("remove orphaned image", "ref", ref, "error", rmErr)
		}
		return nil, res.Error
	}

	if old != nil {
		if err := s.store.Remove(*old); err != nil {
			s.logger.Errorw("remove replaced image", "ref", *old, "error", err)
		}
	}

	return s.Get(user, id)
}

func (s *Recipes) ImageURL(recipe *db.Recipe) *string {
	if recipe.ImagePath == nil {
		return nil
	}
	u := s.store.URL(*recipe.ImagePath)
	return &u
}

func resolveTags(tx *gorm.DB, userID uint64, names []string) ([]db.Tag, error) {
	tags := make([]db.Tag, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		tag := db.Tag{}
		res := tx.Where(db.Tag{Name: name, UserID: userID}).FirstOrCreate(&tag)
		if res.Error != nil {
			return nil, errors.Wrapf(res.Error, "resolve tag %q", name)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func resolveIngredients(tx *gorm.DB, userID uint64, names []string) ([]db.Ingredient, error) {
	ingredients := make([]db.Ingredient, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		ingredient := db.Ingredient{}
		res := tx.Where(db.Ingredient{Name: name, UserID: userID}).FirstOrCreate(&ingredient)
		if res.Error != nil {
			return nil, errors.Wrapf(res.Error, "resolve ingredient %q", name)
		}
		ingredients = append(ingredients, ingredient)
	}
	return ingredients, nil
}
