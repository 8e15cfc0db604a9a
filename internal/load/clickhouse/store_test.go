package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/cnpjsync/internal/core"
	_ "github.com/JonMunkholm/cnpjsync/internal/core/tables"
)

func TestCreateTableSQL(t *testing.T) {
	q := createTableSQL(core.MustGet(core.EntityCnae))

	assert.Equal(t,
		"CREATE TABLE IF NOT EXISTS `cnaes` (`codigo` Int64, `descricao` Nullable(String), `_version` UInt64) "+
			"ENGINE = ReplacingMergeTree(`_version`) ORDER BY (`codigo`)",
		q)
}

func TestCreateTableSQL_RowKey(t *testing.T) {
	q := createTableSQL(core.MustGet(core.EntityPartner))

	assert.Contains(t, q, "(`row_key` String, `cnpj_basico` Nullable(String),")
	assert.Contains(t, q, "`data_de_entrada_sociedade` Nullable(Date32)")
	assert.Contains(t, q, "ORDER BY (`row_key`)")
}

func TestInsertSQL(t *testing.T) {
	q := insertSQL(core.MustGet(core.EntitySimples))

	assert.Equal(t,
		"INSERT INTO `simples` (`cnpj_basico`, `opcao_pelo_simples`, `data_opcao_simples`, `data_exclusao_simples`, "+
			"`opcao_pelo_mei`, `data_opcao_mei`, `data_exclusao_mei`, `_version`)",
		q)
}

func TestInsertRow(t *testing.T) {
	def := core.MustGet(core.EntityEstablishment)
	rec := make(core.Record, len(def.Fields))
	rec[0] = "12345678"

	row, err := insertRow(def, rec, 99)
	require.NoError(t, err)
	require.Len(t, row, len(def.Fields)+1)

	assert.Equal(t, "12345678", row[0])
	assert.Equal(t, "", row[1], "null key column becomes zero value")
	assert.Nil(t, row[4], "non-key column stays null")
	assert.Equal(t, uint64(99), row[len(row)-1])

	_, err = insertRow(def, rec[:2], 0)
	assert.Error(t, err)
}

func TestAddIndexSQL(t *testing.T) {
	tests := []struct {
		name string
		idx  core.IndexSpec
		want string
	}{
		{
			name: "minmax",
			idx:  core.IndexSpec{Name: "idx_m", Columns: []string{"municipio"}},
			want: "ALTER TABLE `t` ADD INDEX IF NOT EXISTS `idx_m` `municipio` TYPE minmax GRANULARITY 4",
		},
		{
			name: "composite",
			idx:  core.IndexSpec{Name: "idx_c", Columns: []string{"uf", "situacao_cadastral"}},
			want: "ALTER TABLE `t` ADD INDEX IF NOT EXISTS `idx_c` (`uf`, `situacao_cadastral`) TYPE minmax GRANULARITY 4",
		},
		{
			name: "ngram",
			idx:  core.IndexSpec{Name: "idx_n", Columns: []string{"razao_social"}, Kind: core.IndexText},
			want: "ALTER TABLE `t` ADD INDEX IF NOT EXISTS `idx_n` `razao_social` TYPE ngrambf_v1(3, 256, 2, 0) GRANULARITY 4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, addIndexSQL("t", tt.idx))
		})
	}
}
