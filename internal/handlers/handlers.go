package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/facereg/internal/auth"
	"github.com/example/facereg/internal/imagecodec"
	"github.com/example/facereg/internal/quality"
	"github.com/example/facereg/internal/web/static"
	"github.com/example/facereg/internal/wizard"
)

// MaxUploadSize caps a single captured frame.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and headers around the frame.
const multipartOverhead = 1 << 20

type beginRequest struct {
	Department string `json:"department"`
	Batch      string `json:"batch"`
	Section    string `json:"section"`
	USN        string `json:"usn"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, wiz *wizard.Wizard, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.StaticFS("/static", static.GetFileSystem())
	router.GET("/", func(c *gin.Context) {
		index, err := static.IndexHTML()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "page unavailable"})
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	})

	api := router.Group("/api")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}

	api.GET("/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"departments": wiz.Departments(),
			"poses":       wiz.Poses(),
		})
	})

	api.GET("/roster", func(c *gin.Context) {
		var class wizard.Class
		if err := c.ShouldBindQuery(&class); err != nil {
			writeError(c, wizard.ErrInputIncomplete)
			return
		}
		students, err := wiz.Roster(c.Request.Context(), class)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"class_id": class.ID(), "students": students})
	})

	api.GET("/stats", func(c *gin.Context) {
		var class wizard.Class
		if err := c.ShouldBindQuery(&class); err != nil {
			writeError(c, wizard.ErrInputIncomplete)
			return
		}
		summary, err := wiz.Stats(c.Request.Context(), class)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	api.POST("/sessions", func(c *gin.Context) {
		var req beginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid_request"})
			return
		}
		class := wizard.Class{Department: req.Department, Batch: req.Batch, Section: req.Section}
		state, err := wiz.Begin(c.Request.Context(), class, req.USN)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, state)
	})

	api.GET("/sessions/:id", func(c *gin.Context) {
		state, err := wiz.State(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
	})

	api.DELETE("/sessions/:id", func(c *gin.Context) {
		if err := wiz.Reset(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/sessions/:id/captures", func(c *gin.Context) {
		data, ok := readFrame(c)
		if !ok {
			return
		}
		result, err := wiz.Capture(c.Request.Context(), c.Param("id"), data)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	api.POST("/sessions/:id/finalize", func(c *gin.Context) {
		result, err := wiz.Finalize(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		operator, _ := auth.GetOperatorID(c.Request.Context())
		logger.Info("registration completed",
			zap.String("operator", operator),
			zap.String("class_id", result.ClassID),
			zap.String("usn", result.USN))
		c.JSON(http.StatusOK, result)
	})
}

// readFrame extracts the "image" part of a multipart capture request. It
// writes the error response itself and reports false on failure.
func readFrame(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit", "code": "too_large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required", "code": "invalid_request"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit", "code": "too_large"})
		return nil, false
	}

	contentType := file.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/octet-stream" && !imagecodec.IsSupported(contentType) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type", "code": "unsupported_media_type"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image", "code": "invalid_request"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image", "code": "internal"})
		return nil, false
	}
	if !imagecodec.IsSupported(imagecodec.Sniff(data)) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type", "code": "unsupported_media_type"})
		return nil, false
	}
	return data, true
}

// StatusFor maps a wizard error to an HTTP status and a stable error code.
func StatusFor(err error) (int, string) {
	var rejected *quality.RejectedError
	switch {
	case errors.Is(err, wizard.ErrInputIncomplete), errors.Is(err, wizard.ErrUnknownDepartment):
		return http.StatusBadRequest, "input_incomplete"
	case errors.Is(err, wizard.ErrNoRosterFound):
		return http.StatusNotFound, "no_roster"
	case errors.Is(err, wizard.ErrStudentNotFound):
		return http.StatusNotFound, "student_not_found"
	case errors.Is(err, wizard.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, wizard.ErrAlreadyRegistered):
		return http.StatusConflict, "already_registered"
	case errors.Is(err, wizard.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, wizard.ErrSequenceComplete):
		return http.StatusConflict, "sequence_complete"
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity, string(rejected.Reason)
	case errors.Is(err, wizard.ErrNoUsableFace):
		return http.StatusUnprocessableEntity, "no_face"
	case errors.Is(err, wizard.ErrDuplicatePose):
		return http.StatusUnprocessableEntity, "duplicate_pose"
	case errors.Is(err, wizard.ErrInvalidImage):
		return http.StatusUnsupportedMediaType, "invalid_image"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	body := gin.H{"error": err.Error(), "code": code}
	if status == http.StatusInternalServerError {
		body["error"] = "registration failed, please retry"
	}
	var rejected *quality.RejectedError
	if errors.As(err, &rejected) {
		body["error"] = rejected.Message
		body["brightness"] = rejected.Report.Brightness
		body["sharpness"] = rejected.Report.Sharpness
	}
	c.JSON(status, body)
}
