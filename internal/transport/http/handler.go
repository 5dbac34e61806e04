package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/agritrace-io/ledger-service/internal/catalog"
	"github.com/agritrace-io/ledger-service/internal/directory"
	"github.com/agritrace-io/ledger-service/internal/kv"
	"github.com/agritrace-io/ledger-service/internal/ledger"
	"github.com/agritrace-io/ledger-service/internal/model"
)

// RegisterHandlers mounts the v1 API.
func RegisterHandlers(r *gin.Engine, led *ledger.Ledger, dir *directory.Cache, cat *catalog.Service) {
	v1 := r.Group("/v1")
	{
		v1.POST("/events", appendEventHandler(led))
		v1.GET("/events/:id", getEventHandler(led))
		v1.POST("/events/:id/settlement", attachSettlementHandler(led))
		v1.GET("/settlements/:hash", settlementLookupHandler(led))
		v1.GET("/subjects/:id/events", subjectEventsHandler(led))
		v1.GET("/subjects/:id/stock", stockHandler(led))
		v1.GET("/actors/:id/events", actorEventsHandler(led))

		v1.PUT("/identities", upsertIdentityHandler(dir))
		v1.GET("/identities/:id", identityByIDHandler(dir))
		v1.GET("/identities", identityLookupHandler(dir))

		v1.POST("/products", createProductHandler(cat))
		v1.GET("/products/:id", getProductHandler(cat))
		v1.PUT("/products/:id", updateProductHandler(cat))
		v1.POST("/products/:id/transfer", transferProductHandler(cat))
		v1.POST("/products/:id/verify", verifyProductHandler(cat))
		v1.POST("/products/:id/recall", recallProductHandler(cat))
		v1.POST("/products/:id/stock", moveStockHandler(cat))
		v1.GET("/products", listProductsHandler(cat))
	}
}

// fail maps the error taxonomy onto status codes: misses are 404, an
// unreachable store is 503, everything else a 500.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrEventNotFound),
		errors.Is(err, directory.ErrIdentityNotFound),
		errors.Is(err, catalog.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, kv.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// paginate slices an already-sorted result. Formatting concerns stay at
// this boundary; the core always returns the full ordered history.
func paginate(events []*model.EventRecord, page, limit int) []*model.EventRecord {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(events) {
		return []*model.EventRecord{}
	}
	end := start + limit
	if end > len(events) {
		end = len(events)
	}
	return events[start:end]
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	return page, limit
}

type appendEventReq struct {
	SubjectID     string              `json:"subject_id" binding:"required"`
	ActorFrom     string              `json:"actor_from" binding:"required"`
	ActorTo       string              `json:"actor_to" binding:"required"`
	ActorFromRole string              `json:"actor_from_role"`
	ActorToRole   string              `json:"actor_to_role"`
	Action        string              `json:"action" binding:"required"`
	SubjectStatus string              `json:"subject_status" binding:"required"`
	Details       *model.EventDetails `json:"details"`
}

func appendEventHandler(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req appendEventReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec := &model.EventRecord{
			SubjectID:     req.SubjectID,
			ActorFrom:     req.ActorFrom,
			ActorTo:       req.ActorTo,
			ActorFromRole: model.Role(req.ActorFromRole),
			ActorToRole:   model.Role(req.ActorToRole),
			Action:        model.ActionType(req.Action),
			SubjectStatus: model.SubjectStatus(req.SubjectStatus),
			Details:       req.Details,
		}
		if err := rec.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := led.Append(c, rec)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

func getEventHandler(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := led.GetByID(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

type attachReq struct {
	BlockRef       string `json:"block_ref" binding:"required"`
	SettlementHash string `json:"settlement_hash" binding:"required"`
}

func attachSettlementHandler(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req attachReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := led.Attach(c, c.Param("id"), req.BlockRef, req.SettlementHash); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "attached"})
	}
}

func settlementLookupHandler(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := led.BySettlementHash(c, c.Param("hash"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func subjectEventsHandler(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := led.QueryBySubject(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		page, limit := pageParams(c)
		c.JSON(http.StatusOK, paginate(events, page, limit))
	}
}

func actorEventsHandler(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := led.QueryByActor(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		page, limit := pageParams(c)
		c.JSON(http.StatusOK, paginate(events, page, limit))
	}
}

func stockHandler(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		qty, err := led.CurrentStock(c, c.Param("id"))
		if errors.Is(err, ledger.ErrNoStockHistory) {
			// No stock history is a distinct state from zero stock.
			c.JSON(http.StatusOK, gin.H{"known": false})
			return
		}
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"known": true, "quantity": qty})
	}
}

func upsertIdentityHandler(dir *directory.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rec model.IdentityRecord
		if err := c.ShouldBindJSON(&rec); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if rec.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}
		if err := dir.Upsert(c, &rec); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func identityByIDHandler(dir *directory.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := dir.ByID(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// identityLookupHandler resolves one alternate key: ?email=, ?external_id=
// or ?wallet=.
func identityLookupHandler(dir *directory.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			rec *model.IdentityRecord
			err error
		)
		switch {
		case c.Query("email") != "":
			rec, err = dir.ByEmail(c, c.Query("email"))
		case c.Query("external_id") != "":
			rec, err = dir.ByExternalAuthID(c, c.Query("external_id"))
		case c.Query("wallet") != "":
			rec, err = dir.ByWallet(c, c.Query("wallet"))
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "one of email, external_id, wallet is required"})
			return
		}
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

type createProductReq struct {
	Name      string `json:"name" binding:"required"`
	Category  string `json:"category"`
	Origin    string `json:"origin"`
	OwnerID   string `json:"owner_id" binding:"required"`
	UnitPrice string `json:"unit_price"`
}

func createProductHandler(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createProductReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		price := decimal.Zero
		if req.UnitPrice != "" {
			var err error
			price, err = decimal.NewFromString(req.UnitPrice)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unit_price"})
				return
			}
		}
		p, err := cat.Create(c, &catalog.Product{
			Name:      req.Name,
			Category:  req.Category,
			Origin:    req.Origin,
			OwnerID:   req.OwnerID,
			UnitPrice: price,
		}, req.OwnerID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, p)
	}
}

func getProductHandler(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := cat.Get(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func listProductsHandler(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.Query("owner_id")
		if owner == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id is required"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		out, err := cat.ListByOwner(c, owner, limit)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

type updateProductReq struct {
	ActorID   string  `json:"actor_id" binding:"required"`
	Name      *string `json:"name"`
	Category  *string `json:"category"`
	Origin    *string `json:"origin"`
	UnitPrice *string `json:"unit_price"`
}

func updateProductHandler(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateProductReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var price *decimal.Decimal
		if req.UnitPrice != nil {
			v, err := decimal.NewFromString(*req.UnitPrice)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unit_price"})
				return
			}
			price = &v
		}
		p, err := cat.Update(c, c.Param("id"), req.ActorID, func(p *catalog.Product) {
			if req.Name != nil {
				p.Name = *req.Name
			}
			if req.Category != nil {
				p.Category = *req.Category
			}
			if req.Origin != nil {
				p.Origin = *req.Origin
			}
			if price != nil {
				p.UnitPrice = *price
			}
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type transferReq struct {
	FromID string `json:"from_id" binding:"required"`
	ToID   string `json:"to_id" binding:"required"`
}

func transferProductHandler(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := cat.Transfer(c, c.Param("id"), req.FromID, req.ToID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type actorReq struct {
	ActorID string `json:"actor_id" binding:"required"`
}

func verifyProductHandler(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req actorReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := cat.Verify(c, c.Param("id"), req.ActorID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type recallReq struct {
	ActorID string `json:"actor_id" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

func recallProductHandler(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recallReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := cat.Recall(c, c.Param("id"), req.ActorID, req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type moveStockReq struct {
	ActorID  string `json:"actor_id" binding:"required"`
	Action   string `json:"action" binding:"required"`
	Quantity string `json:"quantity" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

func moveStockHandler(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req moveStockReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		action := model.ActionType(req.Action)
		switch action {
		case model.ActionStockIn, model.ActionStockOut, model.ActionStockAdjust:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "action must be STOCK_IN, STOCK_OUT or STOCK_ADJUST"})
			return
		}
		qty, err := decimal.NewFromString(req.Quantity)
		if err != nil || qty.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity"})
			return
		}
		level, err := cat.MoveStock(c, c.Param("id"), req.ActorID, action, qty, req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stock": level})
	}
}
