package extract

// Operation codes of dbo.operacao_pdv.
const (
	opSale     = 1
	opShortage = 4
	opClosure  = 9
)

// {name} is replaced by the label column detected at runtime, or NULL when
// the table has none. {group} adds that column to GROUP BY.
const (
	queryTableColumns = `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_NAME = @p1
		ORDER BY ORDINAL_POSITION`

	queryStoreInfo = `
		SELECT id_ponto_venda, {name} AS nome
		FROM dbo.ponto_venda
		WHERE id_ponto_venda = @p1`

	queryServerVersion = `SELECT @@VERSION`

	turnoColumns = `
			CONVERT(varchar(36), t.id_turno) AS id_turno,
			t.sequencial,
			t.fechado,
			t.data_hora_inicio,
			t.data_hora_termino,
			t.id_usuario AS id_operador,
			u.nome AS nome_operador`

	queryTurnosInWindow = `
		SELECT DISTINCT` + turnoColumns + `
		FROM dbo.turno t
		LEFT JOIN dbo.usuario u ON u.id_usuario = t.id_usuario
		WHERE t.id_turno IN (
			SELECT DISTINCT op.id_turno
			FROM dbo.operacao_pdv op
			WHERE op.operacao = 1
			  AND op.cancelado = 0
			  AND op.data_hora_termino IS NOT NULL
			  AND op.data_hora_termino >= @p1
			  AND op.data_hora_termino < @p2
		)
		ORDER BY t.data_hora_inicio`

	queryCurrentTurno = `
		SELECT TOP 1` + turnoColumns + `
		FROM dbo.turno t
		LEFT JOIN dbo.usuario u ON u.id_usuario = t.id_usuario
		WHERE t.id_ponto_venda = @p1
		ORDER BY t.data_hora_inicio DESC`

	// queryTurnoPayments totals one operation type of a turno by payment
	// method. @p2 is the operation code.
	queryTurnoPayments = `
		SELECT
			fo.id_finalizador,
			{name} AS meio_pagamento,
			COUNT(DISTINCT op.id_operacao) AS qtd_vendas,
			SUM(ISNULL(fo.valor, 0)) AS total
		FROM dbo.operacao_pdv op
		JOIN dbo.finalizador_operacao_pdv fo ON fo.id_operacao = op.id_operacao
		JOIN dbo.finalizador_pdv fpv ON fpv.id_finalizador = fo.id_finalizador
		WHERE op.id_turno = @p1
		  AND op.operacao = @p2
		  AND op.cancelado = 0
		GROUP BY fo.id_finalizador{group}
		ORDER BY total DESC`

	windowOps = `
		WITH ops AS (
			SELECT op.id_operacao, op.id_turno, op.data_hora_termino
			FROM dbo.operacao_pdv op
			WHERE op.operacao = 1
			  AND op.cancelado = 0
			  AND op.data_hora_termino IS NOT NULL
			  AND op.data_hora_termino >= @p1
			  AND op.data_hora_termino < @p2
		)`

	queryOperationIDs = windowOps + `
		SELECT id_operacao FROM ops ORDER BY id_operacao`

	querySalesByVendor = windowOps + `
		SELECT
			it.id_usuario_vendedor,
			u.nome AS vendedor_nome,
			COUNT(DISTINCT ops.id_operacao) AS qtd_cupons,
			SUM(ISNULL(it.valor_total_liquido, 0)) AS total_vendido
		FROM ops
		JOIN dbo.item_operacao_pdv it ON it.id_operacao = ops.id_operacao
		LEFT JOIN dbo.usuario u ON u.id_usuario = it.id_usuario_vendedor
		WHERE it.cancelado = 0
		GROUP BY it.id_usuario_vendedor, u.nome
		ORDER BY total_vendido DESC`

	queryPaymentsByMethod = windowOps + `
		SELECT
			fo.id_finalizador,
			{name} AS meio_pagamento,
			COUNT(DISTINCT ops.id_operacao) AS qtd_vendas,
			SUM(ISNULL(fo.valor, 0)) AS total_pago
		FROM ops
		JOIN dbo.finalizador_operacao_pdv fo ON fo.id_operacao = ops.id_operacao
		LEFT JOIN dbo.finalizador_pdv fpv ON fpv.id_finalizador = fo.id_finalizador
		GROUP BY fo.id_finalizador{group}
		ORDER BY total_pago DESC`

	querySaleItems = windowOps + `
		SELECT
			ops.id_operacao,
			CONVERT(varchar(36), ops.id_turno) AS id_turno,
			ops.data_hora_termino,
			it.id_item_operacao_pdv AS line_id,
			it.item AS line_no,
			it.id_produto,
			it.codigo_barras,
			p.nome AS nome_produto,
			it.quantidade_primaria AS qtd,
			it.valor_unitario_liquido AS preco_unit,
			it.valor_total_liquido AS total_item,
			ISNULL(it.valor_desconto, 0) AS desconto_item,
			it.id_usuario_vendedor,
			uv.nome AS nome_vendedor
		FROM ops
		JOIN dbo.item_operacao_pdv it ON it.id_operacao = ops.id_operacao
		JOIN dbo.produto p ON p.id_produto = it.id_produto
		LEFT JOIN dbo.usuario uv ON uv.id_usuario = it.id_usuario_vendedor
		WHERE it.cancelado = 0
		ORDER BY ops.data_hora_termino, ops.id_operacao, it.item`

	querySalePayments = windowOps + `
		SELECT
			fo.id_finalizador_operacao_pdv AS line_id,
			fo.id_operacao,
			fo.id_finalizador,
			{name} AS meio_pagamento,
			ISNULL(fo.valor, 0) AS valor,
			ISNULL(fo.valor_troco, 0) AS valor_troco,
			fo.parcela
		FROM ops
		JOIN dbo.finalizador_operacao_pdv fo ON fo.id_operacao = ops.id_operacao
		JOIN dbo.finalizador_pdv fpv ON fpv.id_finalizador = fo.id_finalizador
		ORDER BY fo.id_operacao, fo.id_finalizador`
)
