package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Rrens/llm-relay/internal/api/response"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// decodeAndValidate reads a JSON body into v and validates it. On failure the
// error response is already written and false is returned.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.BadRequest(w, "invalid request body")
		return false
	}

	if err := validate.Struct(v); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make(map[string]string)
			for _, e := range validationErrors {
				field := e.Field()
				switch e.Tag() {
				case "required":
					fields[field] = "field is required"
				case "required_without_all":
					fields[field] = "a prompt or an attachment is required"
				case "min":
					fields[field] = "must be at least " + e.Param()
				case "max":
					fields[field] = "must be at most " + e.Param()
				case "oneof":
					fields[field] = "must be one of " + e.Param()
				default:
					fields[field] = "validation failed on " + e.Tag()
				}
			}
			response.BadRequest(w, fields)
			return false
		}
		response.BadRequest(w, err.Error())
		return false
	}

	return true
}
