package directory

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/observability"
)

// LegacySeeder is implemented by backends that accept legacy key imports.
type LegacySeeder interface {
	AddLegacyKey(ctx context.Context, rec domain.LegacyKeyRecord) error
}

// ServerOptions configures NewRouter.
type ServerOptions struct {
	CORSOrigins []string
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// DirectoryApi serves a DirectoryService over HTTP.
type DirectoryApi struct {
	dir      domain.DirectoryService
	validate *validator.Validate
}

// NewDirectoryApi returns handlers backed by dir.
func NewDirectoryApi(dir domain.DirectoryService) *DirectoryApi {
	return &DirectoryApi{dir: dir, validate: validator.New()}
}

// NewRouter builds the gin engine with every directory route.
func NewRouter(dir domain.DirectoryService, opts ServerOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestMiddleware(opts.Logger, opts.Metrics))
	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
			AllowHeaders: []string{"Content-Type", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := NewDirectoryApi(dir)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/keys/:user", api.GetPublicKey)
		v1.POST("/keys", api.PublishPublicKey)
		v1.POST("/keys/:user/deactivate", api.DeactivatePublicKeys)

		v1.POST("/key-exchanges", api.RecordKeyExchange)
		v1.PUT("/key-exchange-status", api.SetKeyExchangeStatus)
		v1.GET("/key-exchange-status/:a/:b", api.GetKeyExchangeStatus)

		v1.GET("/migrations/:name", api.GetMigrationStatus)
		v1.PUT("/migrations/:name", api.SetMigrationStatus)

		v1.GET("/legacy-keys", api.ListLegacyKeys)
		v1.POST("/legacy-keys", api.AddLegacyKey)
		v1.GET("/legacy-keys/:conv", api.GetLegacyKey)
		v1.POST("/legacy-keys/:conv/migrated", api.MarkLegacyKeyMigrated)
		v1.POST("/legacy-keys/delete", api.DeleteLegacyKeys)

		v1.GET("/groups/:group/latest", api.LatestGroupKeyVersion)
		v1.POST("/groups/:group/versions/:version", api.PublishGroupKey)
		v1.GET("/groups/:group/versions/:version/:member", api.GetGroupKeyEnvelope)
	}
	return router
}

func requestMiddleware(log *observability.Logger, m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.DirectoryRequest(c.Request.Method, route, c.Writer.Status())
		log.RequestServed(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

type publishKeyInput struct {
	UserID    string     `json:"userId" validate:"required,max=128"`
	KeyID     string     `json:"keyId" validate:"required,max=128"`
	PublicKey string     `json:"publicKey" validate:"required,base64"`
	Algorithm string     `json:"algorithm" validate:"required,oneof=X25519"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	IsActive  bool       `json:"isActive"`
}

type deactivateInput struct {
	Keep string `json:"keep" validate:"required"`
}

type migrationInput struct {
	Status       string     `json:"status" validate:"required,oneof=not_started in_progress completed failed"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Processed    int        `json:"processed" validate:"min=0"`
	Failed       int        `json:"failed" validate:"min=0"`
}

type deleteLegacyInput struct {
	ConversationIDs []string `json:"conversationIds" validate:"required,min=1,dive,required"`
}

type latestVersionOutput struct {
	Version int `json:"version"`
}

// bind decodes the body into v and runs struct validation.
func (a *DirectoryApi) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "invalid request body: %s", err)
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			ApiErrorf(c, http.StatusBadRequest, "%s", ValidatorErrorToUser(verrs))
			return false
		}
		ApiErrorf(c, http.StatusBadRequest, "invalid request: %s", err)
		return false
	}
	return true
}

// fail maps domain errors onto status codes.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		ApiErrorf(c, http.StatusNotFound, "%s", err)
	case errors.Is(err, domain.ErrVersionConflict):
		ApiErrorf(c, http.StatusConflict, "%s", err)
	case errors.Is(err, errInvalid):
		ApiErrorf(c, http.StatusBadRequest, "%s", err)
	default:
		ApiErrorf(c, http.StatusInternalServerError, "directory error: %s", err)
	}
}

func (a *DirectoryApi) GetPublicKey(c *gin.Context) {
	k, err := a.dir.GetPublicKey(c.Request.Context(), domain.UserID(c.Param("user")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, k)
}

func (a *DirectoryApi) PublishPublicKey(c *gin.Context) {
	var in publishKeyInput
	if !a.bind(c, &in) {
		return
	}
	k := domain.PublishedKey{
		UserID:    domain.UserID(in.UserID),
		KeyID:     domain.KeyID(in.KeyID),
		Algorithm: in.Algorithm,
		CreatedAt: in.CreatedAt,
		ExpiresAt: in.ExpiresAt,
		IsActive:  in.IsActive,
	}
	if err := k.PublicKey.UnmarshalText([]byte(in.PublicKey)); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "invalid public key: %s", err)
		return
	}
	if err := a.dir.PublishPublicKey(c.Request.Context(), k); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryApi) DeactivatePublicKeys(c *gin.Context) {
	var in deactivateInput
	if !a.bind(c, &in) {
		return
	}
	err := a.dir.DeactivatePublicKeys(c.Request.Context(), domain.UserID(c.Param("user")), domain.KeyID(in.Keep))
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryApi) RecordKeyExchange(c *gin.Context) {
	var rec domain.KeyExchangeRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	if rec.ConversationID == "" || rec.KeyID == "" || rec.Version < 1 {
		ApiErrorf(c, http.StatusBadRequest, "conversationId, keyId and a positive version are required")
		return
	}
	if err := a.dir.RecordKeyExchangeMetadata(c.Request.Context(), rec); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryApi) SetKeyExchangeStatus(c *gin.Context) {
	var st domain.KeyExchangeStatus
	if err := c.ShouldBindJSON(&st); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	if st.User1ID == "" || st.User2ID == "" || st.User1ID == st.User2ID {
		ApiErrorf(c, http.StatusBadRequest, "two distinct users are required")
		return
	}
	if err := a.dir.SetKeyExchangeStatus(c.Request.Context(), st); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryApi) GetKeyExchangeStatus(c *gin.Context) {
	st, ok, err := a.dir.GetKeyExchangeStatus(c.Request.Context(), domain.UserID(c.Param("a")), domain.UserID(c.Param("b")))
	if err != nil {
		fail(c, err)
		return
	}
	if !ok {
		ApiErrorf(c, http.StatusNotFound, "no key exchange between %s and %s", c.Param("a"), c.Param("b"))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *DirectoryApi) GetMigrationStatus(c *gin.Context) {
	st, err := a.dir.GetMigrationStatus(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *DirectoryApi) SetMigrationStatus(c *gin.Context) {
	var in migrationInput
	if !a.bind(c, &in) {
		return
	}
	st := domain.MigrationStatus{
		Name:         c.Param("name"),
		Status:       domain.MigrationState(in.Status),
		StartedAt:    in.StartedAt,
		CompletedAt:  in.CompletedAt,
		ErrorMessage: in.ErrorMessage,
		Processed:    in.Processed,
		Failed:       in.Failed,
	}
	if err := a.dir.SetMigrationStatus(c.Request.Context(), st); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryApi) ListLegacyKeys(c *gin.Context) {
	user := c.Query("user")
	if err := a.validate.Var(user, "required"); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "user query parameter is required")
		return
	}
	recs, err := a.dir.ListLegacyKeys(c.Request.Context(), domain.UserID(user))
	if err != nil {
		fail(c, err)
		return
	}
	if recs == nil {
		recs = []domain.LegacyKeyRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (a *DirectoryApi) AddLegacyKey(c *gin.Context) {
	seeder, ok := a.dir.(LegacySeeder)
	if !ok {
		ApiErrorf(c, http.StatusNotImplemented, "backend does not accept legacy keys")
		return
	}
	var rec domain.LegacyKeyRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	if rec.ConversationID == "" || len(rec.Participants) == 0 || len(rec.SymmetricKey) == 0 {
		ApiErrorf(c, http.StatusBadRequest, "conversationId, participants and symmetricKey are required")
		return
	}
	if err := seeder.AddLegacyKey(c.Request.Context(), rec); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryApi) GetLegacyKey(c *gin.Context) {
	rec, err := a.dir.GetLegacyKey(c.Request.Context(), domain.ConversationID(c.Param("conv")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *DirectoryApi) MarkLegacyKeyMigrated(c *gin.Context) {
	if err := a.dir.MarkLegacyKeyMigrated(c.Request.Context(), domain.ConversationID(c.Param("conv"))); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryApi) DeleteLegacyKeys(c *gin.Context) {
	var in deleteLegacyInput
	if !a.bind(c, &in) {
		return
	}
	convs := make([]domain.ConversationID, len(in.ConversationIDs))
	for i, id := range in.ConversationIDs {
		convs[i] = domain.ConversationID(id)
	}
	if err := a.dir.DeleteLegacyKeys(c.Request.Context(), convs); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *DirectoryApi) LatestGroupKeyVersion(c *gin.Context) {
	v, err := a.dir.LatestGroupKeyVersion(c.Request.Context(), domain.ConversationID(c.Param("group")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, latestVersionOutput{Version: v})
}

func (a *DirectoryApi) PublishGroupKey(c *gin.Context) {
	version, ok := versionParam(c)
	if !ok {
		return
	}
	var envs []domain.GroupKeyEnvelope
	if err := c.ShouldBindJSON(&envs); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	if err := a.dir.PublishGroupKey(c.Request.Context(), domain.ConversationID(c.Param("group")), version, envs); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (a *DirectoryApi) GetGroupKeyEnvelope(c *gin.Context) {
	version, ok := versionParam(c)
	if !ok {
		return
	}
	env, err := a.dir.GetGroupKeyEnvelope(c.Request.Context(),
		domain.ConversationID(c.Param("group")), version, domain.UserID(c.Param("member")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func versionParam(c *gin.Context) (int, bool) {
	v, err := strconv.Atoi(c.Param("version"))
	if err != nil || v < 1 {
		ApiErrorf(c, http.StatusBadRequest, "invalid version: %s", c.Param("version"))
		return 0, false
	}
	return v, true
}
