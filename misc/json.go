package misc

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
)

type Status struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
	Id      string `json:"id,omitempty"`
}

func StatusOK(id string) Status {
	return Status{Code: 200, Status: "success", Id: id}
}

func StatusErr(msg string) Status {
	return Status{Code: 400, Status: "error", Message: msg}
}

func BindJSON(c *gin.Context, v interface{}) error {
	body := c.Request.Body
	defer body.Close()
	return json.NewDecoder(body).Decode(v)
}
