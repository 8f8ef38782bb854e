package routing

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"fulfillment/internal/service/order/domain"
)

// Route 一条路由规则：When 为 CEL 表达式，命中后交给 Partner 处理。
// 表达式可以使用的变量：kind、orderId、amount、itemCount。
type Route struct {
	Name    string `yaml:"name"`
	When    string `yaml:"when"`
	Partner string `yaml:"partner"`
}

// DefaultRoutes 支付和退款走信用卡服务，发货走物流服务
func DefaultRoutes() []Route {
	return []Route{
		{Name: "payment", When: `kind == "AUTHORIZE_PAYMENT" || kind == "REFUND_PAYMENT"`, Partner: "credit-card"},
		{Name: "shipment", When: `kind == "DISPATCH_SHIPMENT"`, Partner: "logistics"},
	}
}

type compiledRoute struct {
	Route
	program cel.Program
}

// CELRouter 按顺序匹配路由规则，第一条命中的生效
type CELRouter struct {
	routes []compiledRoute
}

// ErrNoRoute 没有任何规则命中
var ErrNoRoute = errors.New("no route matched")

func NewCELRouter(routes []Route) (*CELRouter, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("orderId", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("itemCount", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	r := &CELRouter{}
	for _, rt := range routes {
		if rt.Partner == "" {
			return nil, fmt.Errorf("route %q has no partner", rt.Name)
		}
		ast, iss := env.Compile(rt.When)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("compile route %q: %w", rt.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("route %q must evaluate to bool, got %s", rt.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program route %q: %w", rt.Name, err)
		}
		r.routes = append(r.routes, compiledRoute{Route: rt, program: prg})
	}
	return r, nil
}

func (r *CELRouter) Route(cmd domain.Command) (string, error) {
	amount, _ := cmd.Amount.Float64()
	vars := map[string]interface{}{
		"kind":      string(cmd.Kind),
		"orderId":   cmd.OrderID,
		"amount":    amount,
		"itemCount": int64(len(cmd.Items)),
	}
	for _, rt := range r.routes {
		out, _, err := rt.program.Eval(vars)
		if err != nil {
			return "", fmt.Errorf("evaluate route %q: %w", rt.Name, err)
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return rt.Partner, nil
		}
	}
	return "", fmt.Errorf("%w for %s", ErrNoRoute, cmd.Kind)
}
