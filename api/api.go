package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/neptunomedical/vigia/api/middleware"
	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/database"
	"github.com/neptunomedical/vigia/model"
)

// Enqueuer hands a validated lookup batch to the worker transport.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, batch *model.LookupBatch) (string, error)
}

// BatchFinder is implemented by transports that can report on queued batches.
type BatchFinder interface {
	GetBatchFromQueue(taskID string) (*model.LookupBatch, *asynq.TaskInfo, error)
}

type Api struct {
	enqueuer Enqueuer
	db       database.IDataSource
	redis    redis.UniversalClient
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/lookups", a.QueueLookupBatch)
	router.GET("/lookups/:id", a.GetLookupBatch)
	router.GET("/health", a.Health)
	return a.router
}

// NewAPI builds the ingestion API. rdb may be nil when the deployment runs
// without Redis.
func NewAPI(enqueuer Enqueuer, db database.IDataSource, rdb redis.UniversalClient) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{enqueuer: enqueuer, db: db, redis: rdb, router: r}
}
