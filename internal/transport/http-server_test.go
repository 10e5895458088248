package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-playground/validator"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/savory-labs/recipebox-back/internal/config"
	"github.com/savory-labs/recipebox-back/internal/db"
	"github.com/savory-labs/recipebox-back/internal/service"
	"github.com/savory-labs/recipebox-back/internal/storage"
)

func TestCensorBody(t *testing.T) {
	b := `{
		"email": "email@email.com",
		"password": "123456789123"
	}`

	got := censorBody([]byte(b))
	assert.JSONEq(t, `{
		"email": "email@email.com",
		"password": "$censored"
	}`, string(got))
}

func TestCensorBodyNonJSONPassthrough(t *testing.T) {
	b := []byte("not json at all")
	assert.Equal(t, b, censorBody(b))
}

////////

type testEnv struct {
	server *HTTPServer
	echo   *echo.Echo
	conn   *gorm.DB
	store  *storage.LocalImageStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))

	store, err := storage.NewLocalImageStore(&config.Config{MediaDir: t.TempDir()})
	require.NoError(t, err)

	nop := zap.NewNop().Sugar()
	server := &HTTPServer{
		users:   service.NewUsers(conn, nop),
		recipes: service.NewRecipes(conn, store, nop),
		attrs:   service.NewAttributes(conn, nop),
		logger:  nop,
	}

	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	return &testEnv{server: server, echo: e, conn: conn, store: store}
}

func (env *testEnv) createUser(t *testing.T, email string) *db.User {
	t.Helper()
	user := db.User{
		Email:    email,
		Password: "irrelevant-hash",
		Token:    uuid.New().String(),
		IsActive: true,
	}
	require.NoError(t, env.conn.Create(&user).Error)
	return &user
}

func (env *testEnv) jsonContext(method, target, body string, user *db.User) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := env.echo.NewContext(req, rec)
	if user != nil {
		c.Set("user", user)
	}
	return c, rec
}

func statusOf(t *testing.T, rec *httptest.ResponseRecorder, err error) int {
	t.Helper()
	if err != nil {
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok, "unexpected error: %v", err)
		return he.Code
	}
	return rec.Code
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func setIDParam(c echo.Context, id uint64) {
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatUint(id, 10))
}

////////

func TestRegisterHandler(t *testing.T) {
	env := newTestEnv(t)

	c, rec := env.jsonContext(http.MethodPost, "/auth/register", `{"email": "test@gmail.com", "password": "111111111111"}`, nil)
	err := env.server.Register(c)
	require.Equal(t, http.StatusOK, statusOf(t, rec, err))

	got := TokenResp{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.Token)

	user := db.User{}
	require.NoError(t, env.conn.Where("token = ?", got.Token).First(&user).Error)
	assert.Equal(t, "test@gmail.com", user.Email)
}

func TestRegisterHandlerBadBody(t *testing.T) {
	env := newTestEnv(t)

	c, rec := env.jsonContext(http.MethodPost, "/auth/register", `{"something": "???"}`, nil)
	err := env.server.Register(c)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, rec, err))
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.server.users.Register("test@example.com", "samplepass123")
	require.NoError(t, err)

	next := func(c echo.Context) error {
		user, err := GetUserFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, user.Email)
	}
	handler := env.server.AuthMiddleware(next)

	t.Run("missing header", func(t *testing.T) {
		c, rec := env.jsonContext(http.MethodGet, "/recipes", "", nil)
		c.SetPath("/recipes")
		require.NoError(t, handler(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		c, rec := env.jsonContext(http.MethodGet, "/recipes", "", nil)
		c.SetPath("/recipes")
		c.Request().Header.Set(echo.HeaderAuthorization, "Token "+token)
		require.NoError(t, handler(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		c, rec := env.jsonContext(http.MethodGet, "/recipes", "", nil)
		c.SetPath("/recipes")
		c.Request().Header.Set(echo.HeaderAuthorization, "Bearer nope")
		require.NoError(t, handler(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		c, rec := env.jsonContext(http.MethodGet, "/recipes", "", nil)
		c.SetPath("/recipes")
		c.Request().Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		require.NoError(t, handler(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "test@example.com", rec.Body.String())
	})

	t.Run("public path passes through", func(t *testing.T) {
		c, rec := env.jsonContext(http.MethodGet, "/ping", "", nil)
		c.SetPath("/ping")
		pong := env.server.AuthMiddleware(func(c echo.Context) error {
			return c.String(http.StatusOK, "pong")
		})
		require.NoError(t, pong(c))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRecipeCreateHandler(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "test@example.com")

	body := `{
		"title": "Thai Curry",
		"time_minutes": 30,
		"price": "12.50",
		"tags": [{"name": "Thai"}],
		"ingredients": [{"name": "Coconut Milk"}]
	}`
	c, rec := env.jsonContext(http.MethodPost, "/recipes", body, user)
	err := env.server.RecipeCreate(c)
	require.Equal(t, http.StatusCreated, statusOf(t, rec, err))

	got := RecipeDetailResp{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Thai Curry", got.Title)
	assert.EqualValues(t, 30, got.TimeMinutes)
	require.Len(t, got.Tags, 1)
	assert.Equal(t, "Thai", got.Tags[0].Name)
	require.Len(t, got.Ingredients, 1)
	assert.Equal(t, "Coconut Milk", got.Ingredients[0].Name)
	assert.Nil(t, got.Image)
}

func TestRecipeCreateHandlerMissingFields(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "test@example.com")

	c, rec := env.jsonContext(http.MethodPost, "/recipes", `{"title": "No Price"}`, user)
	err := env.server.RecipeCreate(c)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, rec, err))
}

func TestRecipeListFilterMalformed(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "test@example.com")

	c, rec := env.jsonContext(http.MethodGet, "/recipes?tags=one,two", "", user)
	err := env.server.RecipeList(c)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, rec, err))
}

func TestRecipeGetHandlerNotOwned(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice@example.com")
	bob := env.createUser(t, "bob@example.com")

	recipe, err := env.server.recipes.Create(alice, service.CreateRecipeInput{
		Title: "Secret", TimeMinutes: 1, Price: mustDecimal(t, "1.00"),
	})
	require.NoError(t, err)

	c, rec := env.jsonContext(http.MethodGet, "/recipes/1", "", bob)
	setIDParam(c, recipe.ID)
	err = env.server.RecipeGet(c)
	assert.Equal(t, http.StatusNotFound, statusOf(t, rec, err))
}

func TestRecipeUpdateIgnoresOwnerField(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "test@example.com")

	recipe, err := env.server.recipes.Create(user, service.CreateRecipeInput{
		Title: "Curry", TimeMinutes: 5, Price: mustDecimal(t, "5.50"),
	})
	require.NoError(t, err)

	body := `{"title": "Renamed", "user": 9999, "user_id": 9999}`
	c, rec := env.jsonContext(http.MethodPatch, "/recipes/1", body, user)
	setIDParam(c, recipe.ID)
	err = env.server.RecipePartialUpdate(c)
	require.Equal(t, http.StatusOK, statusOf(t, rec, err))

	stored := db.Recipe{}
	require.NoError(t, env.conn.First(&stored, recipe.ID).Error)
	assert.Equal(t, "Renamed", stored.Title)
	assert.Equal(t, user.ID, stored.UserID)
}

func TestRecipeFullUpdateRequiresFields(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "test@example.com")

	recipe, err := env.server.recipes.Create(user, service.CreateRecipeInput{
		Title: "Curry", TimeMinutes: 5, Price: mustDecimal(t, "5.50"),
	})
	require.NoError(t, err)

	c, rec := env.jsonContext(http.MethodPut, "/recipes/1", `{"title": "Only Title"}`, user)
	setIDParam(c, recipe.ID)
	err = env.server.RecipeFullUpdate(c)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, rec, err))
}

func TestRecipeDeleteHandler(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "test@example.com")

	recipe, err := env.server.recipes.Create(user, service.CreateRecipeInput{
		Title: "Curry", TimeMinutes: 5, Price: mustDecimal(t, "5.50"),
	})
	require.NoError(t, err)

	c, rec := env.jsonContext(http.MethodDelete, "/recipes/1", "", user)
	setIDParam(c, recipe.ID)
	err = env.server.RecipeDelete(c)
	require.Equal(t, http.StatusNoContent, statusOf(t, rec, err))

	_, err = env.server.recipes.Get(user, recipe.ID)
	assert.Error(t, err)
}

func multipartImage(t *testing.T, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	fw, err := w.CreateFormFile("image", "upload.png")
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func TestRecipeUploadImage(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "test@example.com")

	recipe, err := env.server.recipes.Create(user, service.CreateRecipeInput{
		Title: "Curry", TimeMinutes: 5, Price: mustDecimal(t, "5.50"),
	})
	require.NoError(t, err)

	body, contentType := multipartImage(t, pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/recipes/1/upload-image", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	c := env.echo.NewContext(req, rec)
	c.Set("user", user)
	setIDParam(c, recipe.ID)

	err = env.server.RecipeUploadImage(c)
	require.Equal(t, http.StatusOK, statusOf(t, rec, err))

	got := RecipeDetailResp{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Image)
	assert.True(t, strings.HasPrefix(*got.Image, "/media/"))
	assert.True(t, strings.HasSuffix(*got.Image, ".png"))
}

func TestRecipeUploadImageInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "test@example.com")

	recipe, err := env.server.recipes.Create(user, service.CreateRecipeInput{
		Title: "Curry", TimeMinutes: 5, Price: mustDecimal(t, "5.50"),
	})
	require.NoError(t, err)

	body, contentType := multipartImage(t, []byte("definitely not an image"))
	req := httptest.NewRequest(http.MethodPost, "/recipes/1/upload-image", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	c := env.echo.NewContext(req, rec)
	c.Set("user", user)
	setIDParam(c, recipe.ID)

	err = env.server.RecipeUploadImage(c)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, rec, err))

	stored := db.Recipe{}
	require.NoError(t, env.conn.First(&stored, recipe.ID).Error)
	assert.Nil(t, stored.ImagePath)
}

func TestTagHandlers(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "test@example.com")

	_, err := env.server.recipes.Create(user, service.CreateRecipeInput{
		Title: "Curry", TimeMinutes: 5, Price: mustDecimal(t, "5.50"),
		Tags: []string{"Thai", "Dinner"},
	})
	require.NoError(t, err)

	c, rec := env.jsonContext(http.MethodGet, "/tags", "", user)
	require.NoError(t, env.server.TagList(c))
	require.Equal(t, http.StatusOK, rec.Code)

	got := []TagResp{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "Thai", got[0].Name)
	assert.Equal(t, "Dinner", got[1].Name)

	c, rec = env.jsonContext(http.MethodPatch, "/tags/1", `{"name": "Siam"}`, user)
	setIDParam(c, got[0].ID)
	err = env.server.TagUpdate(c)
	require.Equal(t, http.StatusOK, statusOf(t, rec, err))

	c, rec = env.jsonContext(http.MethodDelete, "/tags/1", "", user)
	setIDParam(c, got[1].ID)
	err = env.server.TagDelete(c)
	require.Equal(t, http.StatusNoContent, statusOf(t, rec, err))
}

func TestIngredientHandlersNotOwned(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice@example.com")
	bob := env.createUser(t, "bob@example.com")

	recipe, err := env.server.recipes.Create(alice, service.CreateRecipeInput{
		Title: "Curry", TimeMinutes: 5, Price: mustDecimal(t, "5.50"),
		Ingredients: []string{"Salt"},
	})
	require.NoError(t, err)
	ingredientID := recipe.Ingredients[0].ID

	c, rec := env.jsonContext(http.MethodPatch, "/ingredients/1", `{"name": "Pepper"}`, bob)
	setIDParam(c, ingredientID)
	err = env.server.IngredientUpdate(c)
	assert.Equal(t, http.StatusNotFound, statusOf(t, rec, err))

	c, rec = env.jsonContext(http.MethodDelete, "/ingredients/1", "", bob)
	setIDParam(c, ingredientID)
	err = env.server.IngredientDelete(c)
	assert.Equal(t, http.StatusNotFound, statusOf(t, rec, err))
}
