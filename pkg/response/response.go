package response

import (
	"net/http"

	"vaultledger/pkg/apperr"

	"github.com/gin-gonic/gin"
)

type Response struct {
	Code    int         `json:"code"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    apperr.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 按错误分类输出稳定错误码；结果未确定的交易返回 202 以便客户端轮询
func Error(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	message := err.Error()
	if kind == apperr.KindInternal {
		message = apperr.ErrInternal.Message
	}
	c.JSON(httpStatus(kind), Response{
		Code:    apperr.Code(err),
		Kind:    string(kind),
		Message: message,
	})
}

// Pending 交易已广播但未确认，附带交易信息供客户端轮询
func Pending(c *gin.Context, err error, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Code:    apperr.Code(err),
		Kind:    string(apperr.KindOf(err)),
		Message: err.Error(),
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    apperr.CodeInvalidArgument,
		Kind:    string(apperr.KindInvalidArgument),
		Message: message,
	})
}

func httpStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidArgument, apperr.KindPrecisionLoss:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInsufficientFunds, apperr.KindInsufficientLiquidity,
		apperr.KindInsufficientAllowance, apperr.KindInvalidStateTransition:
		return http.StatusUnprocessableEntity
	case apperr.KindTransactionFailed:
		return http.StatusAccepted
	case apperr.KindRPCUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindContractCall:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
