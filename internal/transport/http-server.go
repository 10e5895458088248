package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/savory-labs/recipebox-back/internal/config"
	"github.com/savory-labs/recipebox-back/internal/db"
	"github.com/savory-labs/recipebox-back/internal/service"
	"github.com/savory-labs/recipebox-back/internal/storage"
)

type (
	RegisterReq struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8"`
	}

	LoginReq struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	TokenResp struct {
		Token string `json:"token"`
	}

	UserResp struct {
		ID    uint64 `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}

	UpdateMeReq struct {
		Name     *string `json:"name"`
		Password *string `json:"password" validate:"omitempty,min=8"`
	}

	NamedItemReq struct {
		Name string `json:"name" validate:"required"`
	}

	RecipeCreateReq struct {
		Title       string           `json:"title" validate:"required"`
		TimeMinutes *uint            `json:"time_minutes" validate:"required"`
		Price       *decimal.Decimal `json:"price" validate:"required"`
		Description *string          `json:"description"`
		Link        *string          `json:"link"`
		Tags        []NamedItemReq   `json:"tags" validate:"dive"`
		Ingredients []NamedItemReq   `json:"ingredients" validate:"dive"`
	}

	RecipeUpdateReq struct {
		Title       *string          `json:"title"`
		TimeMinutes *uint            `json:"time_minutes"`
		Price       *decimal.Decimal `json:"price"`
		Description *string          `json:"description"`
		Link        *string          `json:"link"`
		Tags        *[]NamedItemReq  `json:"tags" validate:"omitempty,dive"`
		Ingredients *[]NamedItemReq  `json:"ingredients" validate:"omitempty,dive"`
	}

	TagResp struct {
		ID   uint64 `json:"id"`
		Name string `json:"name"`
	}

	IngredientResp struct {
		ID   uint64 `json:"id"`
		Name string `json:"name"`
	}

	AttrReq struct {
		Name string `json:"name" validate:"required"`
	}

	RecipeSummaryResp struct {
		ID          uint64           `json:"id"`
		Title       string           `json:"title"`
		TimeMinutes uint             `json:"time_minutes"`
		Price       decimal.Decimal  `json:"price"`
		Link        *string          `json:"link"`
		Tags        []TagResp        `json:"tags"`
		Ingredients []IngredientResp `json:"ingredients"`
	}

	RecipeDetailResp struct {
		RecipeSummaryResp
		Description *string `json:"description"`
		Image       *string `json:"image"`
	}

	ErrorResp struct {
		Message string `json:"message"`
	}

	CustomValidator struct {
		validator *validator.Validate
	}

	HTTPServer struct {
		users   *service.Users
		recipes *service.Recipes
		attrs   *service.Attributes
		logger  *zap.SugaredLogger
	}
)

func NewHTTPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	users *service.Users,
	recipes *service.Recipes,
	attrs *service.Attributes,
	store *storage.LocalImageStore,
	logger *zap.SugaredLogger,
) *HTTPServer {
	e := echo.New()

	instance := HTTPServer{
		users:   users,
		recipes: recipes,
		attrs:   attrs,
		logger:  logger,
	}

	e.POST("/auth/register", instance.Register)
	e.POST("/auth/login", instance.Login)

	e.GET("/users/me", instance.Me)
	e.PATCH("/users/me", instance.UpdateMe)

	recipeG := e.Group("/recipes")
	recipeG.GET("", instance.RecipeList)
	recipeG.POST("", instance.RecipeCreate)
	recipeG.GET("/:id", instance.RecipeGet)
	recipeG.PATCH("/:id", instance.RecipePartialUpdate)
	recipeG.PUT("/:id", instance.RecipeFullUpdate)
	recipeG.DELETE("/:id", instance.RecipeDelete)
	recipeG.POST("/:id/upload-image", instance.RecipeUploadImage)

	tagG := e.Group("/tags")
	tagG.GET("", instance.TagList)
	tagG.PATCH("/:id", instance.TagUpdate)
	tagG.PUT("/:id", instance.TagUpdate)
	tagG.DELETE("/:id", instance.TagDelete)

	ingredientG := e.Group("/ingredients")
	ingredientG.GET("", instance.IngredientList)
	ingredientG.PATCH("/:id", instance.IngredientUpdate)
	ingredientG.PUT("/:id", instance.IngredientUpdate)
	ingredientG.DELETE("/:id", instance.IngredientDelete)

	e.Static("/media", store.Dir())

	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	e.Use(middleware.CORS())
	e.Use(middleware.Recover())
	e.Use(instance.RequestLogMiddleware)
	e.Use(instance.AuthMiddleware)

	e.Validator = &CustomValidator{validator: validator.New()}

	echo.NotFoundHandler = func(c echo.Context) error {
		return c.NoContent(http.StatusNotFound)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				listen := cfg.Host + ":" + cfg.Port
				if err := e.Start(listen); err != nil && err != http.ErrServerClosed {
					e.Logger.Fatal("shutting down the server")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping HTTP server.")
			return e.Shutdown(ctx)
		},
	})

	return &instance
}

func (s *HTTPServer) Register(c echo.Context) error {
	req := RegisterReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	token, err := s.users.Register(req.Email, req.Password)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, TokenResp{Token: token})
}

func (s *HTTPServer) Login(c echo.Context) error {
	req := LoginReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	token, err := s.users.Login(req.Email, req.Password)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, TokenResp{Token: token})
}

func (s *HTTPServer) Me(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userResp(user))
}

func (s *HTTPServer) UpdateMe(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := UpdateMeReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	updated, err := s.users.UpdateMe(user, service.UpdateMeInput{
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, userResp(updated))
}

func (s *HTTPServer) RecipeList(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	filter := service.RecipeFilter{}
	if qs := c.QueryParam("tags"); qs != "" {
		ids, err := parseIDList(qs)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResp{Message: "invalid 'tags' filter"})
		}
		filter.Tags = ids
	}
	if qs := c.QueryParam("ingredients"); qs != "" {
		ids, err := parseIDList(qs)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResp{Message: "invalid 'ingredients' filter"})
		}
		filter.Ingredients = ids
	}

	recipes, err := s.recipes.List(user, filter)
	if err != nil {
		return respondError(c, err)
	}

	resp := make([]RecipeSummaryResp, len(recipes))
	for i := range recipes {
		resp[i] = recipeSummary(&recipes[i])
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) RecipeGet(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	recipe, err := s.recipes.Get(user, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.recipeDetail(recipe))
}

func (s *HTTPServer) RecipeCreate(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := RecipeCreateReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	recipe, err := s.recipes.Create(user, service.CreateRecipeInput{
		Title:       req.Title,
		TimeMinutes: *req.TimeMinutes,
		Price:       *req.Price,
		Description: req.Description,
		Link:        req.Link,
		Tags:        itemNames(req.Tags),
		Ingredients: itemNames(req.Ingredients),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, s.recipeDetail(recipe))
}

func (s *HTTPServer) RecipePartialUpdate(c echo.Context) error {
	return s.recipeUpdate(c, false)
}

func (s *HTTPServer) RecipeFullUpdate(c echo.Context) error {
	return s.recipeUpdate(c, true)
}

func (s *HTTPServer) recipeUpdate(c echo.Context, full bool) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := RecipeUpdateReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}
	if full && (req.Title == nil || req.TimeMinutes == nil || req.Price == nil) {
		return c.JSON(http.StatusBadRequest, ErrorResp{Message: "title, time_minutes and price are required"})
	}

	in := service.UpdateRecipeInput{
		Title:       req.Title,
		TimeMinutes: req.TimeMinutes,
		Price:       req.Price,
		Description: req.Description,
		Link:        req.Link,
	}
	if req.Tags != nil {
		names := itemNames(*req.Tags)
		in.Tags = &names
	}
	if req.Ingredients != nil {
		names := itemNames(*req.Ingredients)
		in.Ingredients = &names
	}

	recipe, err := s.recipes.Update(user, id, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.recipeDetail(recipe))
}

func (s *HTTPServer) RecipeDelete(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	if err := s.recipes.Delete(user, id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) RecipeUploadImage(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	fh, err := c.FormFile("image")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResp{Message: "'image' file is required"})
	}
	f, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "open upload")
	}
	defer f.Close()

	_, format, err := image.Decode(f)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResp{Message: "file is not a valid image"})
	}
	if _, err := f.Seek(0, 0); err != nil {
		return errors.Wrap(err, "rewind upload")
	}

	recipe, err := s.recipes.AttachImage(user, id, imageExt(format), f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.recipeDetail(recipe))
}

func (s *HTTPServer) TagList(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	tags, err := s.attrs.Tags(user)
	if err != nil {
		return respondError(c, err)
	}

	resp := make([]TagResp, len(tags))
	for i := range tags {
		resp[i] = TagResp{ID: tags[i].ID, Name: tags[i].Name}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) TagUpdate(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := AttrReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	tag, err := s.attrs.RenameTag(user, id, req.Name)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, TagResp{ID: tag.ID, Name: tag.Name})
}

func (s *HTTPServer) TagDelete(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	if err := s.attrs.DeleteTag(user, id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) IngredientList(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	ingredients, err := s.attrs.Ingredients(user)
	if err != nil {
		return respondError(c, err)
	}

	resp := make([]IngredientResp, len(ingredients))
	for i := range ingredients {
		resp[i] = IngredientResp{ID: ingredients[i].ID, Name: ingredients[i].Name}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) IngredientUpdate(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := AttrReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	ingredient, err := s.attrs.RenameIngredient(user, id, req.Name)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, IngredientResp{ID: ingredient.ID, Name: ingredient.Name})
}

func (s *HTTPServer) IngredientDelete(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	if err := s.attrs.DeleteIngredient(user, id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if isPublicPath(c.Path()) {
			return next(c)
		}

		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			return c.NoContent(http.StatusUnauthorized)
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return c.NoContent(http.StatusUnauthorized)
		}

		user, err := s.users.Authenticate(parts[1])
		if err != nil {
			return c.NoContent(http.StatusUnauthorized)
		}

		c.Set("user", user)
		return next(c)
	}
}

func (s *HTTPServer) RequestLogMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body []byte
		if c.Request().Body != nil &&
			strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
			body, _ = ioutil.ReadAll(c.Request().Body)
			c.Request().Body = ioutil.NopCloser(bytes.NewBuffer(body))
		}

		err := next(c)

		s.logger.Infow("request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"body", string(censorBody(body)),
		)
		return err
	}
}

func (s *HTTPServer) recipeDetail(recipe *db.Recipe) RecipeDetailResp {
	return RecipeDetailResp{
		RecipeSummaryResp: recipeSummary(recipe),
		Description:       recipe.Description,
		Image:             s.recipes.ImageURL(recipe),
	}
}

////////

func recipeSummary(recipe *db.Recipe) RecipeSummaryResp {
	tags := make([]TagResp, len(recipe.Tags))
	for i := range recipe.Tags {
		tags[i] = TagResp{ID: recipe.Tags[i].ID, Name: recipe.Tags[i].Name}
	}
	ingredients := make([]IngredientResp, len(recipe.Ingredients))
	for i := range recipe.Ingredients {
		ingredients[i] = IngredientResp{ID: recipe.Ingredients[i].ID, Name: recipe.Ingredients[i].Name}
	}
	return RecipeSummaryResp{
		ID:          recipe.ID,
		Title:       recipe.Title,
		TimeMinutes: recipe.TimeMinutes,
		Price:       recipe.Price,
		Link:        recipe.Link,
		Tags:        tags,
		Ingredients: ingredients,
	}
}

func userResp(user *db.User) UserResp {
	return UserResp{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.Name,
	}
}

func itemNames(items []NamedItemReq) []string {
	names := make([]string, len(items))
	for i := range items {
		names[i] = items[i].Name
	}
	return names
}

func imageExt(format string) string {
	if format == "jpeg" {
		return ".jpg"
	}
	return "." + format
}

func isPublicPath(path string) bool {
	switch path {
	case "/auth/register", "/auth/login", "/ping":
		return true
	}
	return strings.HasPrefix(path, "/media")
}

func parseIDList(qs string) ([]uint64, error) {
	parts := strings.Split(qs, ",")
	ids := make([]uint64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func respondError(c echo.Context, err error) error {
	switch errors.Cause(err) {
	case service.ErrNotFound:
		return c.JSON(http.StatusNotFound, ErrorResp{Message: "not found"})
	case service.ErrInvalidInput, service.ErrEmailTaken:
		return c.JSON(http.StatusBadRequest, ErrorResp{Message: err.Error()})
	case service.ErrUnauthorized, service.ErrLoginUserNotFound, service.ErrLoginPasswordDoesNotMatch:
		return c.JSON(http.StatusUnauthorized, ErrorResp{Message: "invalid credentials"})
	}
	return err
}

func censorBody(b []byte) []byte {
	m := map[string]interface{}{}
	if err := json.Unmarshal(b, &m); err != nil {
		return b
	}
	if _, ok := m["password"]; ok {
		m["password"] = "$censored"
	}
	out, err := json.Marshal(m)
	if err != nil {
		return b
	}
	return out
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

func BindAndValidate(c echo.Context, v interface{}) error {
	var err error
	if err = c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err = c.Validate(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func GetUserFromContext(c echo.Context) (*db.User, error) {
	user, ok := c.Get("user").(*db.User)
	if !ok || user == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "no user in context")
	}
	return user, nil
}

func GetParam(c echo.Context, name string) (string, error) {
	value := c.Param(name)
	if value == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid path param 'id'")
	}
	return value, nil
}

func GetAndParseParam(c echo.Context, name string) (uint64, error) {
	v, e := GetParam(c, name)
	if e != nil {
		return 0, e
	}
	vv, e := strconv.ParseUint(v, 10, 64)
	if e != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid path param 'id'")
	}
	return vv, nil
}
