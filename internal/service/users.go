package service

import (
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/savory-labs/recipebox-back/internal/db"
)

type Users struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

func NewUsers(db *gorm.DB, l *zap.SugaredLogger) *Users {
	return &Users{
		db:     db,
		logger: l,
	}
}

// NormalizeEmail lowercases the domain segment only; the local part is
// stored as given.
func NormalizeEmail(email string) (string, error) {
	if email == "" {
		return "", errors.Wrap(ErrInvalidInput, "email must not be empty")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", errors.Wrap(ErrInvalidInput, "invalid email format")
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", errors.Wrap(ErrInvalidInput, "invalid email format")
	}
	return email[:at+1] + strings.ToLower(email[at+1:]), nil
}

func (s *Users) Register(email, pass string) (string, error) {
	user, err := s.createUser(email, pass, nil)
	if err != nil {
		return "", err
	}
	return user.Token, nil
}

func (s *Users) CreateUser(email, pass string) (*db.User, error) {
	return s.createUser(email, pass, nil)
}

func (s *Users) CreateSuperuser(email, pass string) (*db.User, error) {
	return s.createUser(email, pass, func(u *db.User) {
		u.IsStaff = true
		u.IsSuperuser = true
	})
}

// EnsureSuperuser provisions the bootstrap admin account once; an existing
// account with the same email is left untouched.
func (s *Users) EnsureSuperuser(email, pass string) error {
	if email == "" {
		return nil
	}
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	existing := db.User{}
	res := s.db.Where("email = ?", normalized).First(&existing)
	if res.Error == nil {
		return nil
	}
	if res.Error != gorm.ErrRecordNotFound {
		return res.Error
	}
	_, err = s.CreateSuperuser(email, pass)
	return err
}

func (s *Users) createUser(email, pass string, mutate func(*db.User)) (*db.User, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if pass == "" {
		return nil, errors.Wrap(ErrInvalidInput, "password must not be empty")
	}

	existing := db.User{}
	res := s.db.Where("email = ?", normalized).First(&existing)
	if res.Error == nil {
		return nil, ErrEmailTaken
	}
	if res.Error != gorm.ErrRecordNotFound {
		return nil, res.Error
	}

	hash, err := s.bcryptGen(pass)
	if err != nil {
		return nil, errors.Wrap(err, "bcryptGen")
	}

	user := db.User{
		Email:    normalized,
		Password: hash,
		Token:    uuid.New().String(),
		IsActive: true,
	}
	if mutate != nil {
		mutate(&user)
	}

	if res := s.db.Create(&user); res.Error != nil {
		return nil, res.Error
	}
	return &user, nil
}

func (s *Users) Login(email, pass string) (string, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return "", err
	}

	user := db.User{}
	res := s.db.Where("email = ?", normalized).First(&user)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return "", ErrLoginUserNotFound
		}
		return "", res.Error
	}

	if err := s.bcryptCheck(user.Password, pass); err != nil {
		return "", ErrLoginPasswordDoesNotMatch
	}

	token := uuid.New().String()
	res = s.db.Model(&user).Update("token", token)
	if res.Error != nil {
		return "", errors.Wrap(res.Error, "update token")
	}

	return token, nil
}

// Authenticate resolves a bearer token to its active user.
func (s *Users) Authenticate(token string) (*db.User, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	user := db.User{}
	res := s.db.Where("token = ? AND is_active = ?", token, true).First(&user)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, ErrUnauthorized
		}
		return nil, res.Error
	}
	return &user, nil
}

type UpdateMeInput struct {
	Name     *string
	Password *string
}

func (s *Users) UpdateMe(user *db.User, in UpdateMeInput) (*db.User, error) {
	updates := map[string]interface{}{}
	if in.Name != nil {
		updates["name"] = *in.Name
	}
	if in.Password != nil {
		if *in.Password == "" {
			return nil, errors.Wrap(ErrInvalidInput, "password must not be empty")
		}
		hash, err := s.bcryptGen(*in.Password)
		if err != nil {
			return nil, errors.Wrap(err, "bcryptGen")
		}
		updates["password"] = hash
	}
	if len(updates) > 0 {
		if res := s.db.Model(user).Updates(updates); res.Error != nil {
			return nil, res.Error
		}
	}
	return user, nil
}

func (s *Users) bcryptGen(pass string) (string, error) {
	passwordHashB, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "generate password hash")
	}
	return string(passwordHashB), nil
}

func (s *Users) bcryptCheck(hash, pass string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass))
}
