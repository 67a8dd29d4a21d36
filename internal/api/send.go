package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/leadpipe/drip/internal/engine"
	"github.com/sirupsen/logrus"
)

type errorBody struct {
	Error string `json:"error"`
}

// Dispatch runs one engine invocation and reports the summary. The run is
// synchronous, the scheduler's timeout is the effective invocation budget.
// A concurrent trigger gets 409 and should simply try again later.
func Dispatch(eng *engine.Engine, log *logrus.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		sum, err := eng.Run(c.Request().Context())
		if errors.Is(err, engine.ErrRunInProgress) {
			return c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
		}
		if err != nil {
			log.WithError(err).Error("engine run failed")
			return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		}
		if sum.Empty() {
			log.Debug("engine run had nothing to do")
		}
		return c.JSON(http.StatusOK, sum)
	}
}
