package report

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

// artifactInfo is one entry in the listing endpoint.
type artifactInfo struct {
	Name     string `json:"name"`
	SizeByte int64  `json:"size_bytes"`
	Modified string `json:"modified"`
}

// NewServer builds the report-browsing HTTP server. It serves the
// accumulated artifacts read-only; nothing here mutates the directory.
func NewServer(dir string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Runtime log level, PUT {"level":"debug"} to raise verbosity.
	engine.Any("/log/level", gin.WrapH(logger.HTTPHandler()))

	engine.GET("/reports", func(c *gin.Context) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				c.JSON(http.StatusOK, []artifactInfo{})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		artifacts := make([]artifactInfo, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch filepath.Ext(e.Name()) {
			case ".csv", ".html":
			default:
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			artifacts = append(artifacts, artifactInfo{
				Name:     e.Name(),
				SizeByte: info.Size(),
				Modified: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
		sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Modified > artifacts[j].Modified })
		c.JSON(http.StatusOK, artifacts)
	})

	engine.StaticFS("/files", gin.Dir(dir, false))

	return engine
}
