package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"

	"github.com/zenazn/goji/web"

	"volumeqa/internal/models"
	"volumeqa/pkg/browse"
	"volumeqa/pkg/ingest"
	"volumeqa/pkg/projection"
	"volumeqa/pkg/service"
)

// fileBytes accepts either a base64 string or an array of byte values.
type fileBytes []byte

func (b *fileBytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		out := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return badRequest("byte value %d out of range", v)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	}

	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return badRequest("file data is neither a byte array nor base64: %v", err)
	}
	*b = decoded
	return nil
}

type browseRequest struct {
	Path string `json:"path"`
}

type browseResponse struct {
	Tree []browse.Node `json:"tree"`
	Path string        `json:"path"`
}

func (s *Server) handleBrowse(c web.C, w http.ResponseWriter, r *http.Request) {
	var req browseRequest
	if err := s.decodeBody(r.Body, schemaBrowse, &req); err != nil {
		s.writeError(c, w, err)
		return
	}

	path := req.Path
	if path == "" {
		path = s.cfg.Browse.Root
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	tree, err := browse.Tree(path, s.cfg.Browse.MaxDepth)
	if err != nil {
		s.writeError(c, w, models.WithStage(models.StageLookup, err))
		return
	}
	writeJSON(w, http.StatusOK, browseResponse{Tree: tree, Path: path})
}

type loadFilesRequest struct {
	Files []struct {
		Name string    `json:"name"`
		Data fileBytes `json:"data"`
	} `json:"files"`
}

type loadPathRequest struct {
	Path string `json:"path"`
}

type loadResponse struct {
	Success  bool          `json:"success"`
	CacheID  string        `json:"cache_id"`
	Shape    []int         `json:"shape"`
	NumFiles int           `json:"num_files"`
	Skipped  []ingest.Skip `json:"skipped"`
}

func newLoadResponse(res service.LoadResult) loadResponse {
	skipped := res.Report.Skipped
	if skipped == nil {
		skipped = []ingest.Skip{}
	}
	return loadResponse{
		Success:  true,
		CacheID:  res.ID,
		Shape:    res.Shape.Slice(),
		NumFiles: res.NumFiles,
		Skipped:  skipped,
	}
}

func (s *Server) handleLoadFiles(c web.C, w http.ResponseWriter, r *http.Request) {
	var req loadFilesRequest
	if err := s.decodeUpload(r.Body, &req); err != nil {
		s.writeError(c, w, err)
		return
	}

	units := make([]ingest.Unit, len(req.Files))
	for i, f := range req.Files {
		units[i] = ingest.Unit{Name: f.Name, Data: f.Data}
	}

	res, err := s.svc.LoadUnits(r.Context(), units)
	if err != nil {
		s.writeError(c, w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoadResponse(res))
}

func (s *Server) handleLoadPath(c web.C, w http.ResponseWriter, r *http.Request) {
	var req loadPathRequest
	if err := s.decodeBody(r.Body, schemaLoadPath, &req); err != nil {
		s.writeError(c, w, err)
		return
	}

	res, err := s.svc.LoadPath(r.Context(), req.Path)
	if err != nil {
		s.writeError(c, w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoadResponse(res))
}

// planeRequest is the common part of the projection and analysis bodies.
type planeRequest struct {
	CacheID    string `json:"cache_id"`
	Projection string `json:"projection"`
	SliceIdx   int    `json:"slice_idx"`
}

func (p planeRequest) axis() (models.Axis, error) {
	axis, err := models.ParseAxis(p.Projection)
	if err != nil {
		return 0, models.WithStage(models.StageExtraction, err)
	}
	return axis, nil
}

type projectionRequest struct {
	planeRequest
	WindowCenter *float64 `json:"window_center"`
	WindowWidth  *float64 `json:"window_width"`
}

type projectionResponse struct {
	Image     string `json:"image"`
	Shape     []int  `json:"shape"`
	MaxSlices int    `json:"max_slices"`
}

func (s *Server) handleProjection(c web.C, w http.ResponseWriter, r *http.Request) {
	var req projectionRequest
	if err := s.decodeBody(r.Body, schemaProjection, &req); err != nil {
		s.writeError(c, w, err)
		return
	}
	axis, err := req.axis()
	if err != nil {
		s.writeError(c, w, err)
		return
	}

	q := service.ProjectionQuery{ID: req.CacheID, Axis: axis, Index: req.SliceIdx}
	// windowing needs both values
	if req.WindowCenter != nil && req.WindowWidth != nil {
		q.Window = &models.Window{Center: *req.WindowCenter, Width: *req.WindowWidth}
	}

	res, err := s.svc.Projection(r.Context(), q)
	if err != nil {
		s.writeError(c, w, err)
		return
	}

	var png bytes.Buffer
	if err := projection.EncodePNG(&png, res.Plane); err != nil {
		s.writeError(c, w, err)
		return
	}

	writeJSON(w, http.StatusOK, projectionResponse{
		Image:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(png.Bytes()),
		Shape:     []int{res.Plane.Rows, res.Plane.Cols},
		MaxSlices: res.MaxSlices,
	})
}

// roiRequest carries ROI coordinates as sent by the client; fractional
// pixel coordinates are truncated for rectangles.
type roiRequest struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type analysisRequest struct {
	planeRequest
	ROI roiRequest `json:"roi"`
}

type attemptResponse struct {
	Type     models.Polarity `json:"type"`
	OK       bool            `json:"ok"`
	Residual *float64        `json:"residual,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type gaussianResponse struct {
	XData    []float64         `json:"x_data"`
	YData    []float64         `json:"y_data"`
	YFit     []float64         `json:"y_fit"`
	FWHM     float64           `json:"fwhm"`
	Center   float64           `json:"center"`
	RSquared float64           `json:"r_squared"`
	Params   interface{}       `json:"params"`
	ROI      models.Rect       `json:"roi"`
	Attempts []attemptResponse `json:"attempts"`
}

func newGaussianResponse(res service.GaussianResult) gaussianResponse {
	out := gaussianResponse{
		XData:    res.Fit.X,
		YData:    res.Fit.Profile,
		YFit:     res.Fit.Curve,
		FWHM:     res.Fit.FWHM,
		Center:   res.Fit.Center,
		RSquared: res.Fit.RSquared,
		Params:   struct{}{},
		ROI:      res.ROI,
	}
	if res.Fit.Params != nil {
		out.Params = res.Fit.Params
	}

	out.Attempts = make([]attemptResponse, len(res.Fit.Attempts))
	for i, a := range res.Fit.Attempts {
		out.Attempts[i] = attemptResponse{Type: a.Polarity, OK: a.OK()}
		if a.OK() {
			residual := a.Residual
			out.Attempts[i].Residual = &residual
		} else {
			out.Attempts[i].Error = a.Err.Error()
		}
	}
	return out
}

func (s *Server) handleGaussian(c web.C, w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := s.decodeBody(r.Body, schemaGaussian, &req); err != nil {
		s.writeError(c, w, err)
		return
	}
	axis, err := req.axis()
	if err != nil {
		s.writeError(c, w, err)
		return
	}

	res, err := s.svc.Gaussian(r.Context(), service.GaussianQuery{
		ID:    req.CacheID,
		Axis:  axis,
		Index: req.SliceIdx,
		ROI: models.Rect{
			X1: int(req.ROI.X1),
			Y1: int(req.ROI.Y1),
			X2: int(req.ROI.X2),
			Y2: int(req.ROI.Y2),
		},
	})
	if err != nil {
		s.writeError(c, w, err)
		return
	}
	writeJSON(w, http.StatusOK, newGaussianResponse(res))
}

type mtfResponse struct {
	Profile     []float64   `json:"profile"`
	Derivative  []float64   `json:"derivative"`
	MTF         []float64   `json:"mtf"`
	Frequencies []float64   `json:"frequencies"`
	Line        models.Line `json:"line"`
	MTF50       float64     `json:"mtf50"`
	MTF10       float64     `json:"mtf10"`
}

func (s *Server) handleMTF(c web.C, w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := s.decodeBody(r.Body, schemaMTF, &req); err != nil {
		s.writeError(c, w, err)
		return
	}
	axis, err := req.axis()
	if err != nil {
		s.writeError(c, w, err)
		return
	}

	res, err := s.svc.MTF(r.Context(), service.MTFQuery{
		ID:    req.CacheID,
		Axis:  axis,
		Index: req.SliceIdx,
		Line:  models.Line(req.ROI),
	})
	if err != nil {
		s.writeError(c, w, err)
		return
	}

	writeJSON(w, http.StatusOK, mtfResponse{
		Profile:     res.MTF.Profile,
		Derivative:  res.MTF.Derivative,
		MTF:         res.MTF.MTF,
		Frequencies: res.MTF.Frequencies,
		Line:        res.Line,
		MTF50:       res.MTF.MTF50,
		MTF10:       res.MTF.MTF10,
	})
}

type volumesResponse struct {
	Volumes []service.VolumeInfo `json:"volumes"`
	Bytes   uint64               `json:"bytes"`
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	volumes := s.svc.Volumes()
	if volumes == nil {
		volumes = []service.VolumeInfo{}
	}
	writeJSON(w, http.StatusOK, volumesResponse{
		Volumes: volumes,
		Bytes:   s.svc.Store().Stats().Bytes,
	})
}

func (s *Server) handleEvict(c web.C, w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Evict(c.URLParams["id"]); err != nil {
		s.writeError(c, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": Version.String(),
		"major":   Version.Major,
		"minor":   Version.Minor,
		"patch":   Version.Patch,
	})
}
