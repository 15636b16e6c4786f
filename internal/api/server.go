package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// Service health and cache state
	// (GET /health)
	GetHealth(w http.ResponseWriter, r *http.Request)
	// Cache diagnostics
	// (GET /cache)
	GetCacheStats(w http.ResponseWriter, r *http.Request)
	// List the configured rasters
	// (GET /rasters)
	ListRasters(w http.ResponseWriter, r *http.Request)
	// One display tile
	// (GET /rasters/{name}/tiles/{tx}/{ty})
	GetTile(w http.ResponseWriter, r *http.Request, name string, tx int, ty int, params GetTileParams)
	// The whole display image
	// (GET /rasters/{name}/image)
	GetImage(w http.ResponseWriter, r *http.Request, name string, params GetImageParams)
	// Histogram of one band
	// (GET /rasters/{name}/histogram)
	GetHistogram(w http.ResponseWriter, r *http.Request, name string, params GetHistogramParams)
	// Raw and displayed value of one pixel
	// (GET /rasters/{name}/pixel)
	GetPixel(w http.ResponseWriter, r *http.Request, name string, params GetPixelParams)
	// Drop all cached tiles of a raster
	// (POST /rasters/{name}/invalidate)
	InvalidateRaster(w http.ResponseWriter, r *http.Request, name string)
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

type MiddlewareFunc func(http.Handler) http.Handler

func (siw *ServerInterfaceWrapper) serve(w http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	handler := http.Handler(h)
	for _, middleware := range siw.HandlerMiddlewares {
		handler = middleware(handler)
	}
	handler.ServeHTTP(w, r)
}

// GetHealth operation middleware
func (siw *ServerInterfaceWrapper) GetHealth(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetHealth)
}

// GetCacheStats operation middleware
func (siw *ServerInterfaceWrapper) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetCacheStats)
}

// ListRasters operation middleware
func (siw *ServerInterfaceWrapper) ListRasters(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.ListRasters)
}

// GetTile operation middleware
func (siw *ServerInterfaceWrapper) GetTile(w http.ResponseWriter, r *http.Request) {
	name, ok := siw.pathString(w, r, "name")
	if !ok {
		return
	}
	tx, ok := siw.pathInt(w, r, "tx")
	if !ok {
		return
	}
	ty, ok := siw.pathInt(w, r, "ty")
	if !ok {
		return
	}

	var params GetTileParams
	if err := runtime.BindQueryParameter("form", true, false, "format", r.URL.Query(), &params.Format); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "format", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetTile(w, r, name, tx, ty, params)
	})
}

// GetImage operation middleware
func (siw *ServerInterfaceWrapper) GetImage(w http.ResponseWriter, r *http.Request) {
	name, ok := siw.pathString(w, r, "name")
	if !ok {
		return
	}

	var params GetImageParams
	if err := runtime.BindQueryParameter("form", true, false, "format", r.URL.Query(), &params.Format); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "format", Err: err})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "quicklook", r.URL.Query(), &params.Quicklook); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "quicklook", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetImage(w, r, name, params)
	})
}

// GetHistogram operation middleware
func (siw *ServerInterfaceWrapper) GetHistogram(w http.ResponseWriter, r *http.Request) {
	name, ok := siw.pathString(w, r, "name")
	if !ok {
		return
	}

	var params GetHistogramParams
	if err := runtime.BindQueryParameter("form", true, false, "band", r.URL.Query(), &params.Band); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "band", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetHistogram(w, r, name, params)
	})
}

// GetPixel operation middleware
func (siw *ServerInterfaceWrapper) GetPixel(w http.ResponseWriter, r *http.Request) {
	name, ok := siw.pathString(w, r, "name")
	if !ok {
		return
	}

	var params GetPixelParams
	for _, p := range []struct {
		name string
		dest *int
	}{{"x", &params.X}, {"y", &params.Y}} {
		if _, found := r.URL.Query()[p.name]; !found {
			siw.ErrorHandlerFunc(w, r, &RequiredParamError{ParamName: p.name})
			return
		}
		if err := runtime.BindQueryParameter("form", true, true, p.name, r.URL.Query(), p.dest); err != nil {
			siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: p.name, Err: err})
			return
		}
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetPixel(w, r, name, params)
	})
}

// InvalidateRaster operation middleware
func (siw *ServerInterfaceWrapper) InvalidateRaster(w http.ResponseWriter, r *http.Request) {
	name, ok := siw.pathString(w, r, "name")
	if !ok {
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.InvalidateRaster(w, r, name)
	})
}

func (siw *ServerInterfaceWrapper) pathString(w http.ResponseWriter, r *http.Request, param string) (string, bool) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", param, chi.URLParam(r, param), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: param, Err: err})
		return "", false
	}
	return v, true
}

func (siw *ServerInterfaceWrapper) pathInt(w http.ResponseWriter, r *http.Request, param string) (int, bool) {
	var v int
	err := runtime.BindStyledParameterWithOptions("simple", param, chi.URLParam(r, param), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: param, Err: err})
		return 0, false
	}
	return v, true
}

type RequiredParamError struct {
	ParamName string
}

func (e *RequiredParamError) Error() string {
	return fmt.Sprintf("Query argument %s is required, but not found", e.ParamName)
}

type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// Handler creates http.Handler with routing matching the API.
func Handler(si ServerInterface) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{})
}

// HandlerWithOptions creates http.Handler with additional options
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter

	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health", wrapper.GetHealth)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/cache", wrapper.GetCacheStats)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/rasters", wrapper.ListRasters)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/rasters/{name}/tiles/{tx}/{ty}", wrapper.GetTile)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/rasters/{name}/image", wrapper.GetImage)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/rasters/{name}/histogram", wrapper.GetHistogram)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/rasters/{name}/pixel", wrapper.GetPixel)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/rasters/{name}/invalidate", wrapper.InvalidateRaster)
	})

	return r
}
